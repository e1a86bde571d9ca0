package rpcserver

import (
	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/metrics"
	"github.com/burrowfs/burrow/pkg/types"
)

// ServiceName is the name remote callers address the block service by.
const ServiceName = "BlockService"

// BlockService exposes the block data manager's operations to remote
// callers. All methods follow the net/rpc convention: typed args, typed
// reply, error return.
type BlockService struct {
	dm block.DataManager
}

// NewBlockService creates the control-plane RPC handler.
func NewBlockService(dm block.DataManager) *BlockService {
	return &BlockService{dm: dm}
}

type RegisterSessionArgs struct{}

type RegisterSessionReply struct {
	SessionID string
}

// RegisterSession creates a new client session on this worker.
func (s *BlockService) RegisterSession(args *RegisterSessionArgs, reply *RegisterSessionReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("RegisterSession").Inc()
	sess, err := s.dm.RegisterSession()
	if err != nil {
		return err
	}
	reply.SessionID = sess.ID
	return nil
}

type SessionHeartbeatArgs struct {
	SessionID string
}

type OKReply struct {
	OK bool
}

// SessionHeartbeat keeps a client session alive.
func (s *BlockService) SessionHeartbeat(args *SessionHeartbeatArgs, reply *OKReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("SessionHeartbeat").Inc()
	if err := s.dm.SessionHeartbeat(args.SessionID); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

type RequestSpaceArgs struct {
	SessionID string
	Bytes     int64
}

// RequestSpace reserves space for a block the session is about to write.
func (s *BlockService) RequestSpace(args *RequestSpaceArgs, reply *OKReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("RequestSpace").Inc()
	if err := s.dm.RequestSpace(args.SessionID, args.Bytes); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

type CacheBlockArgs struct {
	SessionID string
	BlockID   int64
	Data      []byte
}

// CacheBlock commits a block through the control plane. Intended for
// small blocks; bulk transfers go through the data-plane socket.
func (s *BlockService) CacheBlock(args *CacheBlockArgs, reply *OKReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("CacheBlock").Inc()
	if err := s.dm.CacheBlock(args.SessionID, args.BlockID, args.Data); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

type AccessBlockArgs struct {
	BlockID int64
}

type AccessBlockReply struct {
	Meta types.BlockMeta
}

// AccessBlock returns metadata for a block held by this worker.
func (s *BlockService) AccessBlock(args *AccessBlockArgs, reply *AccessBlockReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("AccessBlock").Inc()
	meta, err := s.dm.AccessBlock(args.BlockID)
	if err != nil {
		return err
	}
	reply.Meta = meta
	return nil
}

type LockBlockArgs struct {
	SessionID string
	BlockID   int64
}

// LockBlock takes a read lock on a block for the session.
func (s *BlockService) LockBlock(args *LockBlockArgs, reply *OKReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("LockBlock").Inc()
	if err := s.dm.LockBlock(args.SessionID, args.BlockID); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// UnlockBlock releases a session's read lock on a block.
func (s *BlockService) UnlockBlock(args *LockBlockArgs, reply *OKReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("UnlockBlock").Inc()
	if err := s.dm.UnlockBlock(args.SessionID, args.BlockID); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

type RemoveBlockArgs struct {
	BlockID int64
}

// RemoveBlock drops an unpinned, unlocked block from this worker.
func (s *BlockService) RemoveBlock(args *RemoveBlockArgs, reply *OKReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("RemoveBlock").Inc()
	if err := s.dm.RemoveBlock(args.BlockID); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

type PinListArgs struct{}

type PinListReply struct {
	BlockIDs []int64
}

// PinList returns the worker's current view of the cluster pin policy.
func (s *BlockService) PinList(args *PinListArgs, reply *PinListReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("PinList").Inc()
	reply.BlockIDs = s.dm.PinList()
	return nil
}

type WorkerInfoArgs struct{}

type WorkerInfoReply struct {
	WorkerID      int64
	CapacityBytes int64
	UsedBytes     int64
	Blocks        int
	Sessions      int
}

// WorkerInfo reports the worker's identity and storage usage.
func (s *BlockService) WorkerInfo(args *WorkerInfoArgs, reply *WorkerInfoReply) error {
	metrics.RPCRequestsTotal.WithLabelValues("WorkerInfo").Inc()
	blocks := s.dm.BlockList()
	usage := s.dm.Usage()
	reply.WorkerID = int64(s.dm.WorkerID())
	reply.CapacityBytes = usage.CapacityBytes
	reply.UsedBytes = usage.UsedBytes
	reply.Blocks = len(blocks)
	reply.Sessions = s.dm.ActiveSessions()
	return nil
}
