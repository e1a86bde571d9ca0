package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/log"
)

// Cleaner removes sessions idle longer than ttl and reports how many
// were reclaimed. Implemented by block.Manager.
type Cleaner interface {
	ReapSessions(ttl time.Duration) (int, error)
}

// Reaper periodically scans for and removes abandoned client sessions.
type Reaper struct {
	cleaner  Cleaner
	interval time.Duration
	ttl      time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewReaper creates a session reaper. It does nothing until Run is called.
func NewReaper(cleaner Cleaner, interval, ttl time.Duration) *Reaper {
	return &Reaper{
		cleaner:  cleaner,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("session-reaper"),
	}
}

// Name identifies the task in logs.
func (r *Reaper) Name() string { return "session-reaper" }

// Run loops until Stop is called. A failed cycle is logged and the loop
// continues; one bad scan must not end session reaping for the lifetime
// of the worker.
func (r *Reaper) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reaped, err := r.cleaner.ReapSessions(r.ttl)
			if err != nil {
				r.logger.Error().Err(err).Msg("session reap cycle failed")
				continue
			}
			if reaped > 0 {
				r.logger.Debug().Int("reaped", reaped).Msg("session reap cycle complete")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Stop terminates the reap loop. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
