package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS debate_history (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    topic TEXT NOT NULL,
    format TEXT NOT NULL,
    host_name TEXT NOT NULL,
    participants JSONB NOT NULL,
    messages JSONB NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'completed')),
    winner TEXT,
    tags TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_debate_history_room_id ON debate_history(room_id);
CREATE INDEX IF NOT EXISTS idx_debate_history_status ON debate_history(status);
`

const upsertRecord = `
INSERT INTO debate_history
    (id, room_id, topic, format, host_name, participants, messages, status, winner, tags, created_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    participants = EXCLUDED.participants,
    messages = EXCLUDED.messages,
    status = EXCLUDED.status,
    winner = EXCLUDED.winner,
    tags = EXCLUDED.tags,
    ended_at = EXCLUDED.ended_at,
    updated_at = NOW()
`

// Postgres stores records in the debate_history table. A checkpoint and the final
// record share an id, so saving is an upsert.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.Info().Str("module", "store").Msg("postgres archive ready")
	return &Postgres{db: db}, nil
}

func (p *Postgres) Save(ctx context.Context, rec domain.Record) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	var winner sql.NullString
	if rec.Winner != "" {
		winner = sql.NullString{String: string(rec.Winner), Valid: true}
	}
	var endedAt sql.NullTime
	if rec.EndedAt != nil {
		endedAt = sql.NullTime{Time: *rec.EndedAt, Valid: true}
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = p.db.ExecContext(ctx, upsertRecord,
		rec.ID, string(rec.RoomID), rec.Topic, string(rec.Format), rec.HostName,
		participants, messages, string(rec.Status), winner, pq.Array(tags),
		rec.CreatedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

// Get reads a record back; the room core never does, it is for tooling and tests.
func (p *Postgres) Get(ctx context.Context, id string) (domain.Record, error) {
	var (
		rec                    domain.Record
		roomID, format, status string
		participants, messages []byte
		winner                 sql.NullString
		endedAt                sql.NullTime
		tags                   pq.StringArray
	)
	err := p.db.QueryRowContext(ctx, `
SELECT id, room_id, topic, format, host_name, participants, messages, status, winner, tags, created_at, ended_at
FROM debate_history WHERE id = $1`, id).Scan(
		&rec.ID, &roomID, &rec.Topic, &format, &rec.HostName,
		&participants, &messages, &status, &winner, &tags, &rec.CreatedAt, &endedAt,
	)
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	rec.RoomID = domain.RoomID(roomID)
	rec.Format = domain.Format(format)
	rec.Status = domain.Phase(status)
	rec.Winner = domain.Winner(winner.String)
	rec.Tags = []string(tags)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	if err := json.Unmarshal(participants, &rec.Participants); err != nil {
		return domain.Record{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(messages, &rec.Messages); err != nil {
		return domain.Record{}, fmt.Errorf("decode messages: %w", err)
	}
	return rec, nil
}

func (p *Postgres) Close() error { return p.db.Close() }
