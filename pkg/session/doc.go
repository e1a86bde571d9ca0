/*
Package session persists client session records and reclaims abandoned
sessions.

The Store is a small BoltDB database at a path derived from the worker's
master-assigned identity (<data-dir>/workers/<id>/sessions.db), so the
store location can only be finalized after registration. Records are
JSON-encoded in a single bucket.

The Reaper is one of the worker's three periodic tasks: each cycle it
asks the block manager to drop sessions idle past their TTL, releasing
their block locks and reclaiming their reserved space.
*/
package session
