/*
Package rpcserver implements the worker's control-plane RPC server.

The server binds its TCP listener at construction time, so the bound port
is available for address advertisement before serving starts. Serve runs
the accept loop on the calling goroutine (the worker process parks its
main goroutine here) and hands each connection to a handler goroutine
from a bounded pool; Stop and Close release the listening socket and are
safe to call repeatedly.

BlockService is the RPC surface: session registration and heartbeat,
space reservation, block metadata, lock and removal operations, pin list
and worker info queries. It delegates everything to the block data
manager, which provides its own synchronization.
*/
package rpcserver
