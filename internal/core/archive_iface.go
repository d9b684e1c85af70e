package core

import (
	"context"

	"github.com/dkeye/Debate/internal/domain"
)

// RecordSource produces the current record of a live session.
type RecordSource interface {
	Record() domain.Record
}

// Archive receives frozen session records. Implementations persist them;
// the room core never reads them back.
type Archive interface {
	Submit(rec domain.Record)
	// Checkpoint registers a live session for periodic saving until its final
	// record is submitted.
	Checkpoint(src RecordSource)
}

// RecordStore is the persistence side of the archive.
type RecordStore interface {
	Save(ctx context.Context, rec domain.Record) error
	Close() error
}
