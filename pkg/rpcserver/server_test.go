package rpcserver

import (
	"fmt"
	"net/rpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/types"
)

func startTestServer(t *testing.T) (*Server, chan error) {
	t.Helper()

	dm := block.NewManager(1 << 20)
	dm.SetWorkerID(1)

	srv, err := New("127.0.0.1:0", NewBlockService(dm), 1, 4)
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	require.Eventually(t, srv.IsServing, time.Second, time.Millisecond)
	return srv, serveErr
}

func dialTestServer(t *testing.T, srv *Server) *rpc.Client {
	t.Helper()
	client, err := rpc.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestEphemeralPortBound(t *testing.T) {
	dm := block.NewManager(1 << 20)
	srv, err := New("127.0.0.1:0", NewBlockService(dm), 0, 0)
	require.NoError(t, err)
	defer srv.Close()

	assert.NotZero(t, srv.Port())
	assert.False(t, srv.IsServing())
}

func TestBindFailure(t *testing.T) {
	dm := block.NewManager(1 << 20)
	first, err := New("127.0.0.1:0", NewBlockService(dm), 1, 4)
	require.NoError(t, err)
	defer first.Close()

	_, err = New(fmt.Sprintf("127.0.0.1:%d", first.Port()), NewBlockService(dm), 1, 4)
	require.Error(t, err)
	var bindErr *types.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", first.Port()), bindErr.Addr)
}

func TestCacheBlockRPC(t *testing.T) {
	srv, _ := startTestServer(t)
	defer srv.Close()
	client := dialTestServer(t, srv)

	var reg RegisterSessionReply
	require.NoError(t, client.Call("BlockService.RegisterSession", &RegisterSessionArgs{}, &reg))

	var ok OKReply
	require.NoError(t, client.Call("BlockService.CacheBlock", &CacheBlockArgs{
		SessionID: reg.SessionID,
		BlockID:   3,
		Data:      []byte("small block"),
	}, &ok))
	assert.True(t, ok.OK)

	var meta AccessBlockReply
	require.NoError(t, client.Call("BlockService.AccessBlock", &AccessBlockArgs{BlockID: 3}, &meta))
	assert.Equal(t, int64(11), meta.Meta.Size)

	// Caching the same block twice is rejected.
	err := client.Call("BlockService.CacheBlock", &CacheBlockArgs{SessionID: reg.SessionID, BlockID: 3, Data: []byte("x")}, &ok)
	assert.Error(t, err)
}

func TestSessionAndBlockRPCs(t *testing.T) {
	srv, _ := startTestServer(t)
	defer srv.Close()
	client := dialTestServer(t, srv)

	var reg RegisterSessionReply
	require.NoError(t, client.Call("BlockService.RegisterSession", &RegisterSessionArgs{}, &reg))
	require.NotEmpty(t, reg.SessionID)

	var ok OKReply
	require.NoError(t, client.Call("BlockService.SessionHeartbeat", &SessionHeartbeatArgs{SessionID: reg.SessionID}, &ok))
	assert.True(t, ok.OK)

	require.NoError(t, client.Call("BlockService.RequestSpace", &RequestSpaceArgs{SessionID: reg.SessionID, Bytes: 512}, &ok))

	// Unknown session is rejected.
	err := client.Call("BlockService.SessionHeartbeat", &SessionHeartbeatArgs{SessionID: "bogus"}, &ok)
	assert.Error(t, err)

	var info WorkerInfoReply
	require.NoError(t, client.Call("BlockService.WorkerInfo", &WorkerInfoArgs{}, &info))
	assert.Equal(t, int64(1), info.WorkerID)
	assert.Equal(t, int64(512), info.UsedBytes)
	assert.Equal(t, 1, info.Sessions)

	var pins PinListReply
	require.NoError(t, client.Call("BlockService.PinList", &PinListArgs{}, &pins))
	assert.Empty(t, pins.BlockIDs)
}

func TestStopTerminatesServe(t *testing.T) {
	srv, serveErr := startTestServer(t)

	srv.Stop()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	assert.False(t, srv.IsServing())
}

func TestCloseIdempotent(t *testing.T) {
	srv, serveErr := startTestServer(t)

	assert.NoError(t, srv.Close())
	assert.NoError(t, srv.Close())
	srv.Stop() // stop after close is also safe
	<-serveErr
}
