// Package store holds the client's local view of the authority: the ordered
// [RecordStore] and the advisory [LockSet].
//
// Both types are written by a single goroutine (the reconciler) and may be
// read concurrently by renderers.
package store
