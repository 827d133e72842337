// Package orchestrator implements the canonical lifecycle of every
// expensive user-facing operation: fingerprint → cache → quota →
// single-flight → model → consume → persist → cache, with typed
// fallback on model failure.
package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/S-Corkum/fitcoach-server/internal/models"
)

// Fingerprint is the stable, equality-comparable key derived from an
// operation's inputs. Two fingerprints are equal iff the operation
// would yield the same output, so the user's profile revision is part
// of the digest: a profile edit produces a miss naturally.
type Fingerprint struct {
	UserID    uuid.UUID
	Operation models.OperationKind
	Hash      string
}

var whitespaceCollapser = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

// NewFingerprint derives the fingerprint for one request.
// Normalization is stable: input keys sorted, whitespace collapsed,
// values case-folded.
func NewFingerprint(userID uuid.UUID, op models.OperationKind, profileRevision int64, inputs map[string]string) Fingerprint {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|rev=%d", userID, op, profileRevision)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", strings.ToLower(strings.TrimSpace(k)), normalizeValue(inputs[k]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint{
		UserID:    userID,
		Operation: op,
		Hash:      hex.EncodeToString(sum[:]),
	}
}

// normalizeValue collapses runs of whitespace and case-folds
func normalizeValue(v string) string {
	v = whitespaceCollapser.Replace(v)
	fields := strings.Fields(v)
	return strings.ToLower(strings.Join(fields, " "))
}
