package worker

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/config"
	"github.com/burrowfs/burrow/pkg/dataserver"
	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/master"
	"github.com/burrowfs/burrow/pkg/rpcserver"
	"github.com/burrowfs/burrow/pkg/session"
	"github.com/burrowfs/burrow/pkg/types"
	"github.com/burrowfs/burrow/pkg/web"
)

const (
	taskSlots = 3

	poolDrainTimeout = 10 * time.Second

	// Bounds for the final close-retry loop: servers that have not let
	// go of their sockets get closeRetries more chances, closeRetryDelay
	// apart, before shutdown proceeds without them.
	closeRetries    = 50
	closeRetryDelay = 100 * time.Millisecond
)

// controlPlane is the lifecycle surface of the RPC server.
// Implemented by rpcserver.Server.
type controlPlane interface {
	Port() int
	Serve() error
	IsServing() bool
	Stop()
	Close() error
}

// dataPlane is the lifecycle surface of the block transfer server.
// Implemented by dataserver.Server.
type dataPlane interface {
	Port() int
	Start()
	Close() error
	IsClosed() bool
}

// webServer is the lifecycle surface of the debug HTTP server.
type webServer interface {
	Start() error
	Stop() error
}

// Process is the worker's lifecycle owner. New performs the bootstrap
// sequence; Process serves until Stop is called.
type Process struct {
	cfg    *config.Config
	dm     block.DataManager
	cp     controlPlane
	ds     dataPlane
	web    webServer
	client *master.Client
	pool   *Pool
	// tasks in submission order: heartbeat, pin list sync, session reaper.
	tasks []Task
	addr  types.NetAddress

	stopOnce sync.Once
	logger   zerolog.Logger
}

// New bootstraps a worker process: binds both servers, registers with
// the master to obtain the worker identity, and opens the session store
// at the identity-derived path. Bootstrap is atomic; on any failure all
// partially acquired resources are released and an error is returned.
func New(cfg *config.Config) (*Process, error) {
	dm := block.NewManager(cfg.Worker.CapacityBytes)

	ds, err := dataserver.New(listenAddr(cfg.Worker.Host, cfg.Worker.DataPort), dm)
	if err != nil {
		return nil, fmt.Errorf("data-plane server: %w", err)
	}

	cp, err := rpcserver.New(
		listenAddr(cfg.Worker.Host, cfg.Worker.RPCPort),
		rpcserver.NewBlockService(dm),
		cfg.Worker.MinHandlers,
		cfg.Worker.MaxHandlers,
	)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("control-plane server: %w", err)
	}

	host := cfg.Worker.Host
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			cp.Close()
			ds.Close()
			return nil, fmt.Errorf("resolve local host: %w", err)
		}
	}

	// Both ports are bound now; the advertised address carries what was
	// actually bound, not what was configured.
	addr := types.NetAddress{Host: host, RPCPort: cp.Port(), DataPort: ds.Port()}

	client := master.NewClient(cfg.Master.Addr, cfg.Master.CallTimeout())
	reg := master.NewRegistrar(client, dm, addr, cfg.Master.HeartbeatInterval())

	id, err := reg.RegisterOnce()
	if err != nil {
		cp.Close()
		ds.Close()
		client.Close()
		return nil, err
	}

	store, err := session.Open(session.StorePath(cfg.Worker.DataDir, id))
	if err != nil {
		cp.Close()
		ds.Close()
		client.Close()
		return nil, err
	}
	if err := dm.SetSessionStore(store); err != nil {
		store.Close()
		cp.Close()
		ds.Close()
		client.Close()
		return nil, err
	}

	pin := master.NewPinListSync(client, reg, dm, cfg.Master.PinListInterval())
	reaper := session.NewReaper(dm, cfg.Session.ReapInterval(), cfg.Session.TTL())
	webSrv := web.New(cfg.Observability.WebAddr, func() bool { return dm.WorkerID().IsAssigned() })

	p := newProcess(cfg, dm, cp, ds, webSrv, client, addr, []Task{reg, pin, reaper})
	wlog := log.WithWorkerID(int64(id))
	wlog.Info().
		Stringer("addr", addr).
		Str("master", cfg.Master.Addr).
		Msg("worker bootstrap complete")
	return p, nil
}

// newProcess assembles a Process from already-constructed parts.
func newProcess(cfg *config.Config, dm block.DataManager, cp controlPlane, ds dataPlane, webSrv webServer, client *master.Client, addr types.NetAddress, tasks []Task) *Process {
	return &Process{
		cfg:    cfg,
		dm:     dm,
		cp:     cp,
		ds:     ds,
		web:    webSrv,
		client: client,
		pool:   NewPool(taskSlots),
		tasks:  tasks,
		addr:   addr,
		logger: log.WithComponent("worker"),
	}
}

func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Address returns the advertised worker address with the actual bound
// ports.
func (p *Process) Address() types.NetAddress {
	return p.addr
}

// WorkerID returns the master-assigned identity.
func (p *Process) WorkerID() types.WorkerID {
	return p.dm.WorkerID()
}

// Process starts the periodic tasks and both data paths, then blocks
// serving control-plane RPCs until Stop is called.
func (p *Process) Process() error {
	for _, t := range p.tasks {
		if err := p.pool.Submit(t); err != nil {
			return fmt.Errorf("start task %s: %w", t.Name(), err)
		}
	}

	if p.web != nil {
		if err := p.web.Start(); err != nil {
			// The worker is functional without its debug endpoints.
			p.logger.Warn().Err(err).Msg("web server failed to start")
		}
	}

	p.ds.Start()
	return p.cp.Serve()
}

// Stop shuts the worker down in order: periodic tasks first so nothing
// touches the master or the store mid-teardown, then both servers, then
// the shared state. Safe to call more than once; extra calls are no-ops.
func (p *Process) Stop() {
	p.stopOnce.Do(p.stop)
}

func (p *Process) stop() {
	p.logger.Info().Msg("stopping worker process")

	if err := p.ds.Close(); err != nil {
		p.logger.Error().Err(err).Msg("failed to close data-plane server")
	}
	p.cp.Stop()

	for _, t := range p.tasks {
		t.Stop()
	}
	if err := p.pool.Shutdown(poolDrainTimeout); err != nil {
		p.logger.Error().Err(err).Msg("task pool did not drain")
	}

	if p.web != nil {
		if err := p.web.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("failed to stop web server")
		}
	}

	if p.client != nil {
		if err := p.client.Close(); err != nil {
			p.logger.Error().Err(err).Msg("failed to close master client")
		}
	}

	if err := p.dm.Stop(); err != nil {
		p.logger.Error().Err(err).Msg("failed to stop block manager")
	}

	// Both listeners must actually be released before the process can
	// claim a clean exit; keep retrying the closes for a bounded time.
	for i := 0; i < closeRetries && !p.serversDown(); i++ {
		if err := p.ds.Close(); err != nil {
			p.logger.Error().Err(err).Msg("data-plane close retry failed")
		}
		p.cp.Stop()
		time.Sleep(closeRetryDelay)
	}
	if !p.serversDown() {
		p.logger.Error().
			Bool("data_closed", p.ds.IsClosed()).
			Bool("rpc_serving", p.cp.IsServing()).
			Msg("servers still up after bounded retries, abandoning clean shutdown")
		return
	}
	p.logger.Info().Msg("worker process stopped")
}

func (p *Process) serversDown() bool {
	return p.ds.IsClosed() && !p.cp.IsServing()
}
