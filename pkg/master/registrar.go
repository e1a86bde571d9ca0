package master

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/metrics"
	"github.com/burrowfs/burrow/pkg/types"
)

// ErrRegistrationRejected indicates the master refused to assign this
// worker an identity.
var ErrRegistrationRejected = errors.New("master rejected worker registration")

// registerAttempts bounds how many times a single RegisterOnce call
// retries before giving up.
const registerAttempts = 3

// Registrar owns the worker's relationship with the cluster master: the
// initial registration that assigns the worker its identity, and the
// heartbeat loop that keeps the master's view of this worker current.
type Registrar struct {
	client   *Client
	dm       block.DataManager
	addr     types.NetAddress
	interval time.Duration

	mu sync.RWMutex
	id types.WorkerID

	stopOnce sync.Once
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewRegistrar creates a registrar. Nothing is sent to the master until
// RegisterOnce or Run is called.
func NewRegistrar(client *Client, dm block.DataManager, addr types.NetAddress, interval time.Duration) *Registrar {
	return &Registrar{
		client:   client,
		dm:       dm,
		addr:     addr,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("master-registrar"),
	}
}

// RegisterOnce registers this worker with the master, retrying a bounded
// number of times. On success the assigned identity is pushed into the
// data manager and returned.
func (r *Registrar) RegisterOnce() (types.WorkerID, error) {
	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		id, err := r.register()
		if err == nil {
			return id, nil
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("worker registration failed")
	}
	return 0, fmt.Errorf("register worker after %d attempts: %w", registerAttempts, lastErr)
}

func (r *Registrar) register() (types.WorkerID, error) {
	id, err := r.client.RegisterWorker(r.addr, r.dm.Usage(), r.dm.BlockList())
	if err != nil {
		return 0, err
	}
	if !id.IsAssigned() {
		return 0, ErrRegistrationRejected
	}

	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	r.dm.SetWorkerID(id)

	r.logger.Info().Int64("worker_id", int64(id)).Str("master", r.client.Addr()).Msg("registered with master")
	return id, nil
}

// WorkerID returns the identity assigned by the master, zero before
// registration succeeds.
func (r *Registrar) WorkerID() types.WorkerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Name identifies the task in logs.
func (r *Registrar) Name() string { return "master-heartbeat" }

// Run loops heartbeats until Stop is called. A failed heartbeat is
// logged and the loop continues; the master reconciles from the next
// successful report.
func (r *Registrar) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.heartbeat()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registrar) heartbeat() {
	report := r.dm.HeartbeatReport()
	reply, err := r.client.Heartbeat(r.WorkerID(), report)
	if err != nil {
		// The report consumed the block-list delta; hand it back so the
		// next heartbeat still carries it.
		r.dm.RestoreDeltas(report)
		metrics.HeartbeatFailures.Inc()
		r.logger.Error().Err(err).
			Int("added", len(report.AddedBlocks)).
			Int("removed", len(report.RemovedBlocks)).
			Msg("master heartbeat failed")
		return
	}
	metrics.HeartbeatsTotal.Inc()

	switch reply.Command {
	case CommandNone:
	case CommandRegister:
		r.logger.Warn().Msg("master no longer recognizes this worker, re-registering")
		if _, err := r.register(); err != nil {
			r.logger.Error().Err(err).Msg("re-registration failed")
		}
	case CommandFree:
		for _, blockID := range reply.BlockIDs {
			if err := r.dm.RemoveBlock(blockID); err != nil {
				r.logger.Warn().Err(err).Int64("block_id", blockID).Msg("could not free block on master request")
			}
		}
	default:
		r.logger.Warn().Str("command", reply.Command).Msg("ignoring unknown master command")
	}
}

// Stop terminates the heartbeat loop. Safe to call more than once.
func (r *Registrar) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
