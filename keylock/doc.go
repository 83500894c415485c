// Package keylock serializes work per key.
//
// A Manager hands out at most one Handle per key at a time. It is the
// stampede guard of the page cache: the first request to miss a key renders
// the page while the others wait, then find the stored result.
//
// Each key's primitive is created by its first waiter and reference counted
// while waiters or a holder exist. It is retired when the count returns to
// zero, so the manager only tracks keys that are in use. Unrelated keys never
// contend.
//
// Acquire honours both a timeout and ctx. A caller that fails to acquire
// should render without the lock rather than fail the request.
package keylock
