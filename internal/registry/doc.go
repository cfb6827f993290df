// Package registry holds the fixed, ordered set of backends together with
// their health flags and the shared round-robin cursor.
//
// Every read and write goes through a single mutex: a selection (scan plus
// cursor advance) is one critical section and a health update is another.
// The critical sections perform no I/O. Health transitions are reported to
// an optional hook after the lock has been released.
package registry
