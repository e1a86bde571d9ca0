package master

import (
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/burrowfs/burrow/pkg/types"
)

// ServiceName is the name the cluster master exposes its worker-facing
// RPC service under.
const ServiceName = "MasterService"

// Heartbeat commands the master may send back to a worker.
const (
	// CommandNone means carry on.
	CommandNone = ""
	// CommandRegister means the master no longer knows this worker id;
	// the worker must re-register before the next heartbeat.
	CommandRegister = "register"
	// CommandFree means the master wants the listed blocks evicted.
	CommandFree = "free"
)

type RegisterWorkerArgs struct {
	Host          string
	RPCPort       int
	DataPort      int
	CapacityBytes int64
	UsedBytes     int64
	BlockIDs      []int64
}

type RegisterWorkerReply struct {
	WorkerID int64
}

type HeartbeatArgs struct {
	WorkerID      int64
	UsedBytes     int64
	AddedBlocks   []int64
	RemovedBlocks []int64
}

type HeartbeatReply struct {
	Command  string
	BlockIDs []int64
}

type PinListArgs struct {
	WorkerID int64
}

type PinListReply struct {
	BlockIDs []int64
}

// Client is the worker's connection to the cluster master. The
// connection is dialed lazily and redialed after a failed call, so a
// master restart costs one failed heartbeat rather than a dead worker.
type Client struct {
	addr    string
	timeout time.Duration

	mu sync.Mutex
	c  *rpc.Client
}

// NewClient creates a master client for addr. No connection is made
// until the first call.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

// Addr returns the configured master address.
func (cl *Client) Addr() string {
	return cl.addr
}

func (cl *Client) conn() (*rpc.Client, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.c != nil {
		return cl.c, nil
	}
	c, err := rpc.Dial("tcp", cl.addr)
	if err != nil {
		return nil, fmt.Errorf("dial master %s: %w", cl.addr, err)
	}
	cl.c = c
	return c, nil
}

func (cl *Client) dropConn(c *rpc.Client) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.c == c {
		cl.c.Close()
		cl.c = nil
	}
}

// call performs one RPC with the client's timeout. On any error the
// cached connection is discarded so the next call redials.
func (cl *Client) call(method string, args, reply any) error {
	c, err := cl.conn()
	if err != nil {
		return err
	}

	done := c.Go(ServiceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-done.Done:
		if done.Error != nil {
			cl.dropConn(c)
			return fmt.Errorf("master %s: %w", method, done.Error)
		}
		return nil
	case <-time.After(cl.timeout):
		cl.dropConn(c)
		return fmt.Errorf("master %s: timed out after %s", method, cl.timeout)
	}
}

// RegisterWorker announces this worker to the master and returns the
// identity the master assigned.
func (cl *Client) RegisterWorker(addr types.NetAddress, usage types.UsageReport, blockIDs []int64) (types.WorkerID, error) {
	args := &RegisterWorkerArgs{
		Host:          addr.Host,
		RPCPort:       addr.RPCPort,
		DataPort:      addr.DataPort,
		CapacityBytes: usage.CapacityBytes,
		UsedBytes:     usage.UsedBytes,
		BlockIDs:      blockIDs,
	}
	reply := &RegisterWorkerReply{}
	if err := cl.call("RegisterWorker", args, reply); err != nil {
		return 0, err
	}
	return types.WorkerID(reply.WorkerID), nil
}

// Heartbeat reports usage and the block-list delta accumulated since the
// previous heartbeat, returning whatever command the master sends back.
func (cl *Client) Heartbeat(id types.WorkerID, report types.UsageReport) (*HeartbeatReply, error) {
	args := &HeartbeatArgs{
		WorkerID:      int64(id),
		UsedBytes:     report.UsedBytes,
		AddedBlocks:   report.AddedBlocks,
		RemovedBlocks: report.RemovedBlocks,
	}
	reply := &HeartbeatReply{}
	if err := cl.call("Heartbeat", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// PinList fetches the cluster's current set of pinned block ids.
func (cl *Client) PinList(id types.WorkerID) ([]int64, error) {
	reply := &PinListReply{}
	if err := cl.call("PinList", &PinListArgs{WorkerID: int64(id)}, reply); err != nil {
		return nil, err
	}
	return reply.BlockIDs, nil
}

// Close releases the cached connection if one exists.
func (cl *Client) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.c == nil {
		return nil
	}
	err := cl.c.Close()
	cl.c = nil
	return err
}
