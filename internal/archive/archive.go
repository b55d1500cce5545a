// Package archive periodically snapshots the durable event log to external
// storage as JSONL. The log itself only keeps a bounded window per resource;
// the archive is for audit and offline analysis, not for replay.
package archive

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/eventlog"
)

// Destination is the interface for an archive target.
type Destination interface {
	// Write stores one snapshot under name.
	Write(ctx context.Context, name string, data []byte) error
}

// Scheduler runs periodic snapshots to one or more destinations.
type Scheduler struct {
	log          eventlog.Log
	destinations []Destination
	interval     time.Duration
	now          func() time.Time
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports the log to the given
// destinations at the specified interval.
func NewScheduler(log eventlog.Log, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		log:          log,
		destinations: destinations,
		interval:     interval,
		now:          time.Now,
		logger:       logger,
	}
}

// Start begins periodic snapshots. It runs one immediately, then on each
// tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current snapshot (if any) to
// finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.SnapshotOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SnapshotOnce(ctx)
		}
	}
}

// SnapshotName is the object name for a snapshot taken at t.
func SnapshotName(t time.Time) string {
	return "log-" + t.UTC().Format("20060102T150405Z") + ".jsonl"
}

// SnapshotOnce exports the log and writes it to every destination.
func (s *Scheduler) SnapshotOnce(ctx context.Context) {
	now := s.now()
	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, s.log, &buf, now)
	if err != nil {
		s.logger.Error("archive export failed", "error", err)
		return
	}
	data := buf.Bytes()
	name := SnapshotName(now)

	for i, dest := range s.destinations {
		if err := dest.Write(ctx, name, data); err != nil {
			s.logger.Error("archive destination write failed", "destination", i, "name", name, "error", err)
		}
	}

	s.logger.Info("archive snapshot completed", "name", name, "events", n, "bytes", len(data))
}
