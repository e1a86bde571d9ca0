// Package worker owns the process lifecycle of a Burrow worker node:
// the bootstrap sequence that binds both servers and registers with the
// master, the fixed pool running the periodic tasks, and the ordered
// shutdown that releases everything again.
package worker
