package master

import (
	"errors"
	"net"
	"net/rpc"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/types"
)

// fakeMaster is an in-process master exposing the three RPCs the worker
// calls, with scriptable replies.
type fakeMaster struct {
	mu sync.Mutex

	nextWorkerID   int64
	rejectAll      bool
	registered     int
	failHeartbeats int
	heartbeats     []HeartbeatArgs
	commands       []HeartbeatReply
	pinned         []int64
	pinErr         bool
}

func (f *fakeMaster) RegisterWorker(args *RegisterWorkerArgs, reply *RegisterWorkerReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	if f.rejectAll {
		reply.WorkerID = 0
		return nil
	}
	f.nextWorkerID++
	reply.WorkerID = f.nextWorkerID
	return nil
}

func (f *fakeMaster) Heartbeat(args *HeartbeatArgs, reply *HeartbeatReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHeartbeats > 0 {
		f.failHeartbeats--
		return errors.New("master temporarily unavailable")
	}
	f.heartbeats = append(f.heartbeats, *args)
	if len(f.commands) > 0 {
		*reply = f.commands[0]
		f.commands = f.commands[1:]
	}
	return nil
}

func (f *fakeMaster) PinList(args *PinListArgs, reply *PinListReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr {
		return errors.New("master unavailable")
	}
	reply.BlockIDs = f.pinned
	return nil
}

func (f *fakeMaster) registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func (f *fakeMaster) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func startFakeMaster(t *testing.T, f *fakeMaster) string {
	t.Helper()

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName(ServiceName, f))

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

func testAddr() types.NetAddress {
	return types.NetAddress{Host: "127.0.0.1", RPCPort: 29998, DataPort: 29999}
}

func TestRegisterOnce(t *testing.T) {
	fake := &fakeMaster{}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), time.Hour)

	id, err := reg.RegisterOnce()
	require.NoError(t, err)
	assert.Equal(t, types.WorkerID(1), id)
	assert.Equal(t, types.WorkerID(1), reg.WorkerID())
	assert.Equal(t, types.WorkerID(1), dm.WorkerID())
	assert.Equal(t, 1, fake.registrations())
}

func TestRegisterOnceRejected(t *testing.T) {
	fake := &fakeMaster{rejectAll: true}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), time.Hour)

	_, err := reg.RegisterOnce()
	require.ErrorIs(t, err, ErrRegistrationRejected)
	assert.Equal(t, registerAttempts, fake.registrations())
	assert.False(t, dm.WorkerID().IsAssigned())
}

func TestRegisterOnceUnreachableMaster(t *testing.T) {
	dm := block.NewManager(1 << 20)
	client := NewClient("127.0.0.1:1", time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), time.Hour)

	_, err := reg.RegisterOnce()
	assert.Error(t, err)
}

func TestHeartbeatCarriesDeltas(t *testing.T) {
	fake := &fakeMaster{}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), 10*time.Millisecond)

	_, err := reg.RegisterOnce()
	require.NoError(t, err)

	sess, err := dm.RegisterSession()
	require.NoError(t, err)
	require.NoError(t, dm.CacheBlock(sess.ID, 42, []byte("data")))

	go reg.Run()
	defer reg.Stop()

	require.Eventually(t, func() bool { return fake.heartbeatCount() >= 1 }, time.Second, time.Millisecond)

	fake.mu.Lock()
	first := fake.heartbeats[0]
	fake.mu.Unlock()
	assert.Equal(t, int64(1), first.WorkerID)
	assert.Equal(t, []int64{42}, first.AddedBlocks)
	assert.Equal(t, int64(4), first.UsedBytes)

	// The delta is consumed; later heartbeats report no additions.
	require.Eventually(t, func() bool { return fake.heartbeatCount() >= 2 }, time.Second, time.Millisecond)
	fake.mu.Lock()
	second := fake.heartbeats[1]
	fake.mu.Unlock()
	assert.Empty(t, second.AddedBlocks)
}

func TestHeartbeatDeltaSurvivesFailure(t *testing.T) {
	fake := &fakeMaster{failHeartbeats: 1}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), time.Hour)

	_, err := reg.RegisterOnce()
	require.NoError(t, err)

	sess, err := dm.RegisterSession()
	require.NoError(t, err)
	require.NoError(t, dm.CacheBlock(sess.ID, 42, []byte("data")))

	// The first heartbeat is refused by the master; the second succeeds
	// and must still carry the block cached before the failure.
	reg.heartbeat()
	assert.Zero(t, fake.heartbeatCount())
	reg.heartbeat()

	require.Equal(t, 1, fake.heartbeatCount())
	fake.mu.Lock()
	sent := fake.heartbeats[0]
	fake.mu.Unlock()
	assert.Equal(t, []int64{42}, sent.AddedBlocks)
}

func TestHeartbeatRegisterCommand(t *testing.T) {
	fake := &fakeMaster{commands: []HeartbeatReply{{Command: CommandRegister}}}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), 10*time.Millisecond)

	_, err := reg.RegisterOnce()
	require.NoError(t, err)

	go reg.Run()
	defer reg.Stop()

	require.Eventually(t, func() bool { return fake.registrations() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, types.WorkerID(2), reg.WorkerID())
	assert.Equal(t, types.WorkerID(2), dm.WorkerID())
}

func TestHeartbeatFreeCommand(t *testing.T) {
	fake := &fakeMaster{commands: []HeartbeatReply{{Command: CommandFree, BlockIDs: []int64{5}}}}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), 10*time.Millisecond)

	_, err := reg.RegisterOnce()
	require.NoError(t, err)

	sess, err := dm.RegisterSession()
	require.NoError(t, err)
	require.NoError(t, dm.CacheBlock(sess.ID, 5, []byte("evict me")))

	go reg.Run()
	defer reg.Stop()

	require.Eventually(t, func() bool {
		_, err := dm.AccessBlock(5)
		return errors.Is(err, block.ErrBlockNotFound)
	}, time.Second, time.Millisecond)
}

func TestPinListSync(t *testing.T) {
	fake := &fakeMaster{pinned: []int64{3, 9}}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), time.Hour)

	_, err := reg.RegisterOnce()
	require.NoError(t, err)

	ps := NewPinListSync(client, reg, dm, 10*time.Millisecond)
	go ps.Run()
	defer ps.Stop()

	require.Eventually(t, func() bool { return len(dm.PinList()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []int64{3, 9}, dm.PinList())
}

func TestPinListSyncSurvivesFailures(t *testing.T) {
	fake := &fakeMaster{pinErr: true}
	addr := startFakeMaster(t, fake)

	dm := block.NewManager(1 << 20)
	client := NewClient(addr, time.Second)
	defer client.Close()
	reg := NewRegistrar(client, dm, testAddr(), time.Hour)

	ps := NewPinListSync(client, reg, dm, time.Millisecond)
	go ps.Run()

	time.Sleep(50 * time.Millisecond)
	fake.mu.Lock()
	fake.pinErr = false
	fake.pinned = []int64{1}
	fake.mu.Unlock()

	require.Eventually(t, func() bool { return len(dm.PinList()) == 1 }, time.Second, time.Millisecond)
	ps.Stop()
	ps.Stop() // double stop is safe
}

func TestClientCallTimeout(t *testing.T) {
	// A listener that accepts and then ignores the connection makes
	// every call hang until the client timeout fires.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	client := NewClient(ln.Addr().String(), 50*time.Millisecond)
	defer client.Close()

	start := time.Now()
	_, err = client.Heartbeat(1, types.UsageReport{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second)
}
