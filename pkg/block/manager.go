package block

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/metrics"
	"github.com/burrowfs/burrow/pkg/types"
)

var (
	// ErrNoSpace indicates the worker's configured capacity is exhausted.
	ErrNoSpace = errors.New("block store capacity exhausted")
	// ErrBlockNotFound indicates the requested block is not on this worker.
	ErrBlockNotFound = errors.New("block not found")
	// ErrBlockExists indicates a cache attempt for a block already held.
	ErrBlockExists = errors.New("block already cached")
	// ErrBlockPinned indicates a removal attempt on a pinned block.
	ErrBlockPinned = errors.New("block is pinned")
	// ErrBlockLocked indicates a removal attempt on a locked block.
	ErrBlockLocked = errors.New("block is locked by a session")
	// ErrSessionNotFound indicates an operation from an unknown or
	// already-reaped session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotIdentified indicates the worker has not yet obtained its
	// identity from the master.
	ErrNotIdentified = errors.New("worker identity not assigned")
)

// SessionStore persists session records. Implemented by session.Store.
type SessionStore interface {
	Put(s *types.Session) error
	Delete(id string) error
	List() ([]*types.Session, error)
	Close() error
}

// DataManager is the storage facade consumed by the RPC handlers, the
// data-plane server, and the master sync tasks. Implementations must be
// safe for concurrent use.
type DataManager interface {
	RegisterSession() (*types.Session, error)
	SessionHeartbeat(sessionID string) error
	ActiveSessions() int
	ReapSessions(ttl time.Duration) (int, error)

	RequestSpace(sessionID string, bytes int64) error
	CacheBlock(sessionID string, blockID int64, data []byte) error
	AccessBlock(blockID int64) (types.BlockMeta, error)
	ReadBlock(blockID int64, offset, length int64) ([]byte, error)
	LockBlock(sessionID string, blockID int64) error
	UnlockBlock(sessionID string, blockID int64) error
	RemoveBlock(blockID int64) error
	BlockList() []int64
	UpdatePinList(blockIDs []int64)
	PinList() []int64
	Usage() types.UsageReport
	HeartbeatReport() types.UsageReport
	RestoreDeltas(report types.UsageReport)

	SetWorkerID(id types.WorkerID)
	WorkerID() types.WorkerID
	SetSessionStore(store SessionStore) error
	Stop() error
}

// Manager is the in-memory block data manager. Blocks live entirely in
// memory; the only durable state is the session registry, persisted so
// abandoned sessions survive a worker restart and can still be reaped.
type Manager struct {
	mu sync.RWMutex

	workerID types.WorkerID
	store    SessionStore

	capacity int64
	used     int64

	blocks map[int64]*types.BlockMeta
	data   map[int64][]byte
	pinned map[int64]struct{}
	// locks maps block id -> set of session ids holding a read lock.
	locks    map[int64]map[string]struct{}
	sessions map[string]*types.Session

	// Deltas since the last Usage call, reported to the master.
	added   []int64
	removed []int64

	stopped bool
	logger  zerolog.Logger
}

var _ DataManager = (*Manager)(nil)

// NewManager creates a block data manager with the given capacity.
func NewManager(capacityBytes int64) *Manager {
	metrics.BytesCapacity.Set(float64(capacityBytes))
	return &Manager{
		capacity: capacityBytes,
		blocks:   make(map[int64]*types.BlockMeta),
		data:     make(map[int64][]byte),
		pinned:   make(map[int64]struct{}),
		locks:    make(map[int64]map[string]struct{}),
		sessions: make(map[string]*types.Session),
		logger:   log.WithComponent("block-manager"),
	}
}

// SetWorkerID injects the master-assigned identity. Called exactly once
// during bootstrap, after registration.
func (m *Manager) SetWorkerID(id types.WorkerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerID = id
}

// WorkerID returns the assigned identity, zero if not yet registered.
func (m *Manager) WorkerID() types.WorkerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workerID
}

// SetSessionStore injects the session store and adopts any session
// records persisted by a previous run of the same worker, so they age
// out through the usual reaping path. Called during bootstrap once the
// store path is known, which requires the worker identity.
func (m *Manager) SetSessionStore(store SessionStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store = store
	persisted, err := store.List()
	if err != nil {
		return fmt.Errorf("load persisted sessions: %w", err)
	}
	for _, s := range persisted {
		if _, ok := m.sessions[s.ID]; !ok {
			m.sessions[s.ID] = s
		}
	}
	if len(persisted) > 0 {
		m.logger.Info().Int("count", len(persisted)).Msg("recovered persisted sessions")
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	return nil
}

// RegisterSession creates a new client session.
func (m *Manager) RegisterSession() (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.workerID.IsAssigned() {
		return nil, ErrNotIdentified
	}

	now := time.Now()
	s := &types.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		LastSeen:  now,
	}
	if m.store != nil {
		if err := m.store.Put(s); err != nil {
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}
	m.sessions[s.ID] = s
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	return s, nil
}

// SessionHeartbeat marks a session as alive.
func (m *Manager) SessionHeartbeat(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastSeen = time.Now()
	return nil
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ReapSessions removes sessions idle longer than ttl, releasing their
// block locks and reclaiming their reserved space.
func (m *Manager) ReapSessions(ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var reaped int
	var firstErr error
	for id, s := range m.sessions {
		if s.Idle(now) <= ttl {
			continue
		}
		for blockID, holders := range m.locks {
			delete(holders, id)
			if len(holders) == 0 {
				delete(m.locks, blockID)
			}
		}
		m.used -= s.TempBytes
		if m.store != nil {
			if err := m.store.Delete(id); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("delete session %s: %w", id, err)
			}
		}
		delete(m.sessions, id)
		reaped++
		m.logger.Info().Str("session_id", id).Dur("idle", s.Idle(now)).Msg("reaped abandoned session")
	}
	if reaped > 0 {
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		metrics.SessionsReaped.Add(float64(reaped))
		metrics.BytesUsed.Set(float64(m.used))
	}
	return reaped, firstErr
}

// RequestSpace reserves temp space for a session's in-flight block.
func (m *Manager) RequestSpace(sessionID string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if m.used+bytes > m.capacity {
		return ErrNoSpace
	}
	m.used += bytes
	s.TempBytes += bytes
	metrics.BytesUsed.Set(float64(m.used))
	return nil
}

// CacheBlock commits a block to the store. Space already reserved by the
// session via RequestSpace is consumed first; the remainder is taken from
// free capacity.
func (m *Manager) CacheBlock(sessionID string, blockID int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if _, ok := m.blocks[blockID]; ok {
		return ErrBlockExists
	}

	size := int64(len(data))
	reserved := min(s.TempBytes, size)
	if m.used+(size-reserved) > m.capacity {
		return ErrNoSpace
	}
	s.TempBytes -= reserved
	m.used += size - reserved

	buf := make([]byte, size)
	copy(buf, data)
	m.data[blockID] = buf
	_, pinned := m.pinned[blockID]
	m.blocks[blockID] = &types.BlockMeta{
		ID:       blockID,
		Size:     size,
		Pinned:   pinned,
		StoredAt: time.Now(),
	}
	m.added = append(m.added, blockID)

	metrics.BlocksHeld.Set(float64(len(m.blocks)))
	metrics.BytesUsed.Set(float64(m.used))
	return nil
}

// AccessBlock returns a block's metadata.
func (m *Manager) AccessBlock(blockID int64) (types.BlockMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.blocks[blockID]
	if !ok {
		return types.BlockMeta{}, ErrBlockNotFound
	}
	return *meta, nil
}

// ReadBlock returns up to length bytes of a block starting at offset.
// length < 0 reads to the end of the block.
func (m *Manager) ReadBlock(blockID int64, offset, length int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[blockID]
	if !ok {
		return nil, ErrBlockNotFound
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, fmt.Errorf("offset %d out of range for block %d (size %d)", offset, blockID, len(data))
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

// LockBlock takes a read lock on a block on behalf of a session, keeping
// it resident while the client streams its bytes.
func (m *Manager) LockBlock(sessionID string, blockID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	if _, ok := m.blocks[blockID]; !ok {
		return ErrBlockNotFound
	}
	holders, ok := m.locks[blockID]
	if !ok {
		holders = make(map[string]struct{})
		m.locks[blockID] = holders
	}
	holders[sessionID] = struct{}{}
	return nil
}

// UnlockBlock releases a session's read lock.
func (m *Manager) UnlockBlock(sessionID string, blockID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	holders, ok := m.locks[blockID]
	if !ok {
		return nil
	}
	delete(holders, sessionID)
	if len(holders) == 0 {
		delete(m.locks, blockID)
	}
	return nil
}

// RemoveBlock drops a block. Pinned and locked blocks are refused.
func (m *Manager) RemoveBlock(blockID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.blocks[blockID]
	if !ok {
		return ErrBlockNotFound
	}
	if meta.Pinned {
		return ErrBlockPinned
	}
	if holders := m.locks[blockID]; len(holders) > 0 {
		return ErrBlockLocked
	}

	delete(m.blocks, blockID)
	delete(m.data, blockID)
	m.used -= meta.Size
	m.removed = append(m.removed, blockID)

	metrics.BlocksHeld.Set(float64(len(m.blocks)))
	metrics.BytesUsed.Set(float64(m.used))
	return nil
}

// BlockList returns the ids of all blocks held by this worker.
func (m *Manager) BlockList() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	return ids
}

// UpdatePinList replaces the set of blocks the cluster policy forbids
// evicting. Ids not yet held are remembered so later caches are pinned
// on arrival.
func (m *Manager) UpdatePinList(blockIDs []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pinned = make(map[int64]struct{}, len(blockIDs))
	for _, id := range blockIDs {
		m.pinned[id] = struct{}{}
	}
	for id, meta := range m.blocks {
		_, meta.Pinned = m.pinned[id]
	}
	metrics.BlocksPinned.Set(float64(len(m.pinned)))
}

// PinList returns the current pinned block ids.
func (m *Manager) PinList() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.pinned))
	for id := range m.pinned {
		ids = append(ids, id)
	}
	return ids
}

// Usage returns the current space accounting. It does not disturb the
// heartbeat delta.
func (m *Manager) Usage() types.UsageReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return types.UsageReport{
		CapacityBytes: m.capacity,
		UsedBytes:     m.used,
	}
}

// HeartbeatReport returns the space accounting plus the block-list delta
// accumulated since the previous call. The delta is consumed; a caller
// whose send fails must hand it back via RestoreDeltas or the master
// never learns of those blocks. Only the master sync task may call this.
func (m *Manager) HeartbeatReport() types.UsageReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := types.UsageReport{
		CapacityBytes: m.capacity,
		UsedBytes:     m.used,
		AddedBlocks:   m.added,
		RemovedBlocks: m.removed,
	}
	m.added = nil
	m.removed = nil
	return report
}

// RestoreDeltas returns an unsent block-list delta to the front of the
// accumulator so the next heartbeat carries it ahead of anything that
// arrived in the meantime.
func (m *Manager) RestoreDeltas(report types.UsageReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(report.AddedBlocks) > 0 {
		m.added = append(report.AddedBlocks[:len(report.AddedBlocks):len(report.AddedBlocks)], m.added...)
	}
	if len(report.RemovedBlocks) > 0 {
		m.removed = append(report.RemovedBlocks[:len(report.RemovedBlocks):len(report.RemovedBlocks)], m.removed...)
	}
}

// Stop flushes and closes the manager's resources. Safe to call more
// than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("close session store: %w", err)
		}
	}
	return nil
}
