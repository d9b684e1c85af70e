// Package archive persists finished debates and checkpoints live ones.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

const (
	queueSize   = 64
	saveTimeout = 10 * time.Second
)

// Saver is a core.Archive backed by a RecordStore. Records submitted before Start
// are kept in the queue.
type Saver struct {
	store    core.RecordStore
	interval time.Duration

	queue chan domain.Record

	mu      sync.Mutex
	sources map[domain.RoomID]core.RecordSource
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSaver(store core.RecordStore, interval time.Duration) *Saver {
	return &Saver{
		store:    store,
		interval: interval,
		queue:    make(chan domain.Record, queueSize),
		sources:  make(map[domain.RoomID]core.RecordSource),
	}
}

func (s *Saver) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	log.Info().Str("module", "archive").Dur("interval", s.interval).Msg("history saver started")
}

// Close stops the worker after saving what is queued and a last checkpoint.
func (s *Saver) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("module", "archive").Msg("history saver stopped")
}

// Submit queues a final record and stops checkpointing its room.
func (s *Saver) Submit(rec domain.Record) {
	s.mu.Lock()
	delete(s.sources, rec.RoomID)
	s.mu.Unlock()

	select {
	case s.queue <- rec:
	default:
		log.Error().Str("module", "archive").Str("room", string(rec.RoomID)).Msg("archive queue full, record dropped")
	}
}

func (s *Saver) Checkpoint(src core.RecordSource) {
	rec := src.Record()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[rec.RoomID] = src
}

func (s *Saver) run(ctx context.Context) {
	defer close(s.done)
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case rec := <-s.queue:
			s.save(rec)
		case <-tick:
			s.checkpoint()
		case <-ctx.Done():
			s.drain()
			s.checkpoint()
			return
		}
	}
}

func (s *Saver) drain() {
	for {
		select {
		case rec := <-s.queue:
			s.save(rec)
		default:
			return
		}
	}
}

func (s *Saver) checkpoint() {
	s.mu.Lock()
	srcs := make([]core.RecordSource, 0, len(s.sources))
	for _, src := range s.sources {
		srcs = append(srcs, src)
	}
	s.mu.Unlock()

	for _, src := range srcs {
		rec := src.Record()
		if rec.Status == domain.PhaseCompleted {
			continue
		}
		s.save(rec)
	}
}

func (s *Saver) save(rec domain.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).Str("module", "archive").Str("room", string(rec.RoomID)).Msg("save record")
		return
	}
	log.Debug().Str("module", "archive").Str("room", string(rec.RoomID)).Str("status", string(rec.Status)).Msg("record saved")
}
