// Package types contains the shared data types of the Burrow worker:
// the worker identity, the advertised network address, and block and
// session metadata. Types here are plain data with no behavior beyond
// small accessors so every package can depend on them without cycles.
package types
