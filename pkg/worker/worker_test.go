package worker

import (
	"net"
	"net/rpc"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/config"
	"github.com/burrowfs/burrow/pkg/master"
	"github.com/burrowfs/burrow/pkg/session"
	"github.com/burrowfs/burrow/pkg/types"
)

// fakeMasterService accepts any worker and assigns a fixed identity.
type fakeMasterService struct{}

func (f *fakeMasterService) RegisterWorker(args *master.RegisterWorkerArgs, reply *master.RegisterWorkerReply) error {
	reply.WorkerID = 7
	return nil
}

func (f *fakeMasterService) Heartbeat(args *master.HeartbeatArgs, reply *master.HeartbeatReply) error {
	return nil
}

func (f *fakeMasterService) PinList(args *master.PinListArgs, reply *master.PinListReply) error {
	return nil
}

func startFakeMaster(t *testing.T) string {
	t.Helper()

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName(master.ServiceName, &fakeMasterService{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	return ln.Addr().String()
}

func testConfig(t *testing.T, masterAddr string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.Host = "127.0.0.1"
	cfg.Worker.RPCPort = 0
	cfg.Worker.DataPort = 0
	cfg.Worker.DataDir = t.TempDir()
	cfg.Master.Addr = masterAddr
	cfg.Observability.WebAddr = "127.0.0.1:0"
	return cfg
}

func TestBootstrap(t *testing.T) {
	cfg := testConfig(t, startFakeMaster(t))

	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Stop()

	addr := p.Address()
	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.NotZero(t, addr.RPCPort)
	assert.NotZero(t, addr.DataPort)
	assert.NotEqual(t, addr.RPCPort, addr.DataPort)
	assert.EqualValues(t, 7, p.WorkerID())

	// The session store lives at the identity-derived path.
	_, err = os.Stat(session.StorePath(cfg.Worker.DataDir, p.WorkerID()))
	assert.NoError(t, err)
}

func TestBootstrapRegistrationFailureReleasesPorts(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:1") // nothing listens here

	// Pin both ports so we can prove they are released on failure.
	rpcPort := freePort(t)
	dataPort := freePort(t)
	cfg.Worker.RPCPort = rpcPort
	cfg.Worker.DataPort = dataPort

	_, err := New(cfg)
	require.Error(t, err)

	for _, port := range []int{rpcPort, dataPort} {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		require.NoError(t, err, "port %d still held after failed bootstrap", port)
		ln.Close()
	}
}

func TestProcessServesUntilStopped(t *testing.T) {
	cfg := testConfig(t, startFakeMaster(t))

	p, err := New(cfg)
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- p.Process() }()

	require.Eventually(t, p.cp.IsServing, time.Second, time.Millisecond)

	// The control plane answers RPCs while serving.
	client, err := rpc.Dial("tcp", p.Address().RPCAddr())
	require.NoError(t, err)
	var info struct {
		WorkerID      int64
		CapacityBytes int64
		UsedBytes     int64
		Blocks        int
		Sessions      int
	}
	require.NoError(t, client.Call("BlockService.WorkerInfo", &struct{}{}, &info))
	assert.EqualValues(t, 7, info.WorkerID)
	client.Close()

	p.Stop()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after Stop")
	}
	assert.False(t, p.cp.IsServing())
	assert.True(t, p.ds.IsClosed())

	p.Stop() // second stop is a no-op
}

// fakeControlPlane blocks in Serve until closed.
type fakeControlPlane struct {
	mu       sync.Mutex
	serving  bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{stopCh: make(chan struct{})}
}

func (f *fakeControlPlane) Port() int { return 19998 }

func (f *fakeControlPlane) Serve() error {
	f.mu.Lock()
	f.serving = true
	f.mu.Unlock()
	<-f.stopCh
	f.mu.Lock()
	f.serving = false
	f.mu.Unlock()
	return nil
}

func (f *fakeControlPlane) IsServing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serving
}

func (f *fakeControlPlane) Stop() { f.Close() }

func (f *fakeControlPlane) Close() error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	return nil
}

// fakeDataPlane reports closed only after a set number of Close calls.
type fakeDataPlane struct {
	mu           sync.Mutex
	started      bool
	closeCalls   int
	closesNeeded int
}

func (f *fakeDataPlane) Port() int { return 19999 }

func (f *fakeDataPlane) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeDataPlane) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeDataPlane) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls >= f.closesNeeded
}

func TestStopRetriesReluctantServer(t *testing.T) {
	cfg := config.Default()
	dm := block.NewManager(1 << 20)
	cp := newFakeControlPlane()
	ds := &fakeDataPlane{closesNeeded: 3}

	p := newProcess(cfg, dm, cp, ds, nil, nil, types.NetAddress{Host: "127.0.0.1", RPCPort: cp.Port(), DataPort: ds.Port()}, nil)

	serveErr := make(chan error, 1)
	go func() { serveErr <- p.Process() }()
	require.Eventually(t, cp.IsServing, time.Second, time.Millisecond)

	ds.mu.Lock()
	started := ds.started
	ds.mu.Unlock()
	assert.True(t, started)

	p.Stop()
	<-serveErr

	assert.True(t, ds.IsClosed())
	ds.mu.Lock()
	calls := ds.closeCalls
	ds.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3)
	assert.False(t, cp.IsServing())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

