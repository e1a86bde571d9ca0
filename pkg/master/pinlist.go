package master

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/metrics"
)

// PinListSync periodically pulls the cluster's pinned-block set from the
// master and pushes it into the block manager, so eviction refusals stay
// aligned with cluster policy.
type PinListSync struct {
	client   *Client
	reg      *Registrar
	dm       block.DataManager
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewPinListSync creates a pin list sync task.
func NewPinListSync(client *Client, reg *Registrar, dm block.DataManager, interval time.Duration) *PinListSync {
	return &PinListSync{
		client:   client,
		reg:      reg,
		dm:       dm,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("pinlist-sync"),
	}
}

// Name identifies the task in logs.
func (p *PinListSync) Name() string { return "pinlist-sync" }

// Run loops until Stop is called. A failed fetch is logged and the
// previous pin set stays in effect until the next successful cycle.
func (p *PinListSync) Run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ids, err := p.client.PinList(p.reg.WorkerID())
			if err != nil {
				metrics.PinListSyncFailures.Inc()
				p.logger.Error().Err(err).Msg("pin list fetch failed")
				continue
			}
			p.dm.UpdatePinList(ids)
			metrics.PinListSyncsTotal.Inc()
		case <-p.stopCh:
			return
		}
	}
}

// Stop terminates the sync loop. Safe to call more than once.
func (p *PinListSync) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
