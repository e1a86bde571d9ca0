/*
Package block implements the worker's block data manager, the single piece
of mutable state shared between the control-plane handlers, the data-plane
server, and the periodic master sync tasks.

The Manager holds the shard's blocks in memory with strict space
accounting against the configured capacity, tracks the cluster pin policy
(pinned blocks are never removed), and owns the client session registry.
Sessions reserve temp space before streaming a block in, hold read locks
while streaming a block out, and are reclaimed by the session reaper once
idle past their TTL.

All methods are safe for concurrent use; callers outside this package
never take the manager's lock. The worker identity and session store are
injected after construction because both depend on master registration,
which in turn depends on the servers' bound ports; until the identity is
set the manager refuses to register sessions.
*/
package block
