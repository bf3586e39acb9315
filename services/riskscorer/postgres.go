package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"vigil/pkg/scoring"
)

// TelemetryStore archives heartbeat signals for offline analysis.
type TelemetryStore interface {
	RecordHeartbeat(ctx context.Context, userID, sessionID string, sig scoring.Signals, score float64) error
}

// noopTelemetry is used when the database is disabled.
type noopTelemetry struct{}

func (noopTelemetry) RecordHeartbeat(ctx context.Context, userID, sessionID string, sig scoring.Signals, score float64) error {
	return nil
}

// pgStore backs the attempt history and the telemetry archive with
// Postgres. Schema creation is inline and idempotent.
type pgStore struct {
	db *sql.DB
}

func newPGStore(dbURL string) (*pgStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &pgStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *pgStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS captcha_attempts (
		id SERIAL PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		challenge_id VARCHAR(255) NOT NULL,
		challenge_type VARCHAR(50) NOT NULL,
		success BOOLEAN NOT NULL,
		liveness_verified BOOLEAN NOT NULL,
		face_matched BOOLEAN NOT NULL,
		attempted_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS heartbeat_telemetry (
		id SERIAL PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		session_id VARCHAR(255) NOT NULL,
		signals JSONB,
		threat_score FLOAT NOT NULL,
		received_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_captcha_attempts_user_challenge ON captcha_attempts(user_id, challenge_id);
	CREATE INDEX IF NOT EXISTS idx_captcha_attempts_user_time ON captcha_attempts(user_id, attempted_at);
	CREATE INDEX IF NOT EXISTS idx_heartbeat_telemetry_session ON heartbeat_telemetry(session_id);`

	_, err := s.db.Exec(query)
	return err
}

func (s *pgStore) Seen(ctx context.Context, userID, challengeID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM captcha_attempts WHERE user_id = $1 AND challenge_id = $2`,
		userID, challengeID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *pgStore) Record(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captcha_attempts
		 (user_id, challenge_id, challenge_type, success, liveness_verified, face_matched, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.UserID, a.ChallengeID, a.ChallengeType, a.Success, a.LivenessVerified, a.FaceMatched, a.At)
	return err
}

func (s *pgStore) RecentFailures(ctx context.Context, userID string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM captcha_attempts
		 WHERE user_id = $1 AND success = FALSE AND attempted_at >= NOW() - $2::interval`,
		userID, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *pgStore) RecordHeartbeat(ctx context.Context, userID, sessionID string, sig scoring.Signals, score float64) error {
	signalsJSON, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_telemetry (user_id, session_id, signals, threat_score)
		 VALUES ($1, $2, $3, $4)`,
		userID, sessionID, string(signalsJSON), score)
	return err
}

func (s *pgStore) Close() error {
	return s.db.Close()
}
