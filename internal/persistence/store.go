// Package persistence defines the transactional store contract the
// orchestration layer depends on, plus its Postgres implementation.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/fitcoach-server/internal/models"
)

// ErrNotFound is returned when an entity does not exist
var ErrNotFound = errors.New("entity not found")

// Store is the persistence contract. Artifacts are always persisted
// before they are cached, so a cached id is always resolvable here.
type Store interface {
	SaveArtifact(ctx context.Context, artifact *models.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error)
	LeaderboardRows(ctx context.Context, scope models.LeaderboardScope, windowStart time.Time) ([]models.LeaderboardRow, error)
	Close() error
}
