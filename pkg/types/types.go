package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// WorkerID is the cluster-unique identity the master assigns to a worker
// during registration. It is immutable once assigned.
type WorkerID int64

// String returns the decimal form used in paths and log fields.
func (id WorkerID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// IsAssigned reports whether the identity has been obtained from the master.
func (id WorkerID) IsAssigned() bool {
	return id > 0
}

// NetAddress is the externally advertised address of a worker: the host it
// runs on plus the actual bound ports of its two servers. It is derived
// from socket bind results during bootstrap and immutable afterwards.
type NetAddress struct {
	Host     string `json:"host"`
	RPCPort  int    `json:"rpc_port"`
	DataPort int    `json:"data_port"`
}

// RPCAddr returns the host:port of the control-plane RPC server.
func (a NetAddress) RPCAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.RPCPort))
}

// DataAddr returns the host:port of the data-plane server.
func (a NetAddress) DataAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.DataPort))
}

func (a NetAddress) String() string {
	return fmt.Sprintf("%s(rpc=%d,data=%d)", a.Host, a.RPCPort, a.DataPort)
}

// BindError reports a failure to bind a listening socket to its
// configured address. Fatal during bootstrap: the worker never retries
// with a different port.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind listener on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// BlockMeta describes a block held by this worker.
type BlockMeta struct {
	ID       int64     `json:"id"`
	Size     int64     `json:"size"`
	Pinned   bool      `json:"pinned"`
	StoredAt time.Time `json:"stored_at"`
}

// Session is client-held state on this worker. Sessions that stop
// heartbeating are reclaimed by the session reaper.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	TempBytes int64     `json:"temp_bytes"`
}

// Idle returns how long ago the session was last heard from.
func (s *Session) Idle(now time.Time) time.Duration {
	return now.Sub(s.LastSeen)
}

// UsageReport is the worker's view of its own storage, sent to the master
// with every heartbeat.
type UsageReport struct {
	CapacityBytes int64   `json:"capacity_bytes"`
	UsedBytes     int64   `json:"used_bytes"`
	AddedBlocks   []int64 `json:"added_blocks"`
	RemovedBlocks []int64 `json:"removed_blocks"`
}
