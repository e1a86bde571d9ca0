// Package master holds the worker's side of the worker/master protocol:
// an RPC client for the cluster master, the registrar that obtains and
// maintains this worker's identity via heartbeats, and the periodic pin
// list sync.
package master
