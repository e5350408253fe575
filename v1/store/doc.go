// Package store adapts shared key-value backends to the two atomic
// operations the mutex coordinator needs: create-if-absent (TryClaim) and
// compare-and-delete (ReleaseIfOwner).
//
// Implementations are stateless with respect to lock ownership and never
// retry: a failed network call is returned to the caller as-is. Backends
// without native key expiry store an absolute deadline next to the owner
// token and treat an expired record as absent when the next claimant
// arrives; replacing it is itself a compare-and-swap, never a
// read-then-write.
package store
