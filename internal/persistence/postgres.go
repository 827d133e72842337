package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/S-Corkum/fitcoach-server/internal/models"
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// PostgresStore implements Store over Postgres via sqlx
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to Postgres and verifies the connection
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection. Used by tests.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveArtifact upserts an artifact and its user index row in one
// transaction
func (s *PostgresStore) SaveArtifact(ctx context.Context, artifact *models.Artifact) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, user_id, operation, fingerprint, source, advisory_mismatch, produced_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			advisory_mismatch = EXCLUDED.advisory_mismatch,
			produced_at = EXCLUDED.produced_at,
			payload = EXCLUDED.payload`,
		artifact.ID, artifact.UserID, artifact.Operation, artifact.Fingerprint,
		artifact.Source, artifact.AdvisoryMismatch, artifact.ProducedAt, []byte(artifact.Payload))
	if err != nil {
		return errors.Wrap(err, "failed to save artifact")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit artifact")
	}
	return nil
}

// GetArtifact fetches one artifact by id
func (s *PostgresStore) GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	var artifact models.Artifact
	err := s.db.GetContext(ctx, &artifact, `
		SELECT id, user_id, operation, fingerprint, source, advisory_mismatch, produced_at, payload
		FROM artifacts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get artifact")
	}
	return &artifact, nil
}

// GetProfile fetches a user's profile with its allergies in one
// round-trip
func (s *PostgresStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error) {
	var row struct {
		models.UserProfile
		AllergiesCSV sql.NullString `db:"allergies_csv"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT p.user_id, p.display_name, p.revision, p.calorie_target, p.protein_target,
		       p.dietary_profile, p.timezone,
		       (SELECT string_agg(a.name, ',') FROM user_allergies a WHERE a.user_id = p.user_id) AS allergies_csv
		FROM user_profiles p WHERE p.user_id = $1`, userID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get profile")
	}

	profile := row.UserProfile
	if row.AllergiesCSV.Valid && row.AllergiesCSV.String != "" {
		profile.Allergies = strings.Split(row.AllergiesCSV.String, ",")
	}
	return &profile, nil
}

// LeaderboardRows returns the unranked activity rows for one scope
// window
func (s *PostgresStore) LeaderboardRows(ctx context.Context, scope models.LeaderboardScope, windowStart time.Time) ([]models.LeaderboardRow, error) {
	rows := []models.LeaderboardRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT s.user_id, p.display_name, SUM(s.points) AS score,
		       MAX(s.streak) AS streak, MIN(s.streak_start) AS streak_start
		FROM activity_scores s
		JOIN user_profiles p ON p.user_id = s.user_id
		WHERE s.scored_at >= $1
		GROUP BY s.user_id, p.display_name`, windowStart)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s leaderboard rows", scope)
	}
	return rows, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
