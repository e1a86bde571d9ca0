/*
Package dataserver implements the worker's data-plane server: bulk block
byte transfer over a framed TCP protocol on its own socket, independent
of the control-plane RPC server.

The listener is bound at construction so the port can be advertised
before serving starts. Start launches the accept loop without blocking;
each connection gets a goroutine that serves length-prefixed read and
write requests against the block data manager until the client hangs up.
Close releases the socket and is safe to call repeatedly; IsClosed only
reports true once the accept loop has fully exited, which the worker's
shutdown retry loop relies on.
*/
package dataserver
