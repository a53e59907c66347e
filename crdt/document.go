// Package crdt implements the opaque CRDT document contract spec'd in the
// broker's data model: a replica that supports state-vector summaries,
// minimal diffs, idempotent merge, and post-commit subscriptions. The
// broker's Room and Provider never see below this interface.
package crdt

import "errors"

// ErrRejected is returned by ApplyUpdate when the update bytes could not be
// decoded at all (corrupted payload, not merely a duplicate). Callers MUST
// drop the frame and keep serving; they must never crash on it.
var ErrRejected = errors.New("crdt: update rejected")

// Document is the four-operation capability surface the sync protocol and
// room pipeline depend on. Two replicas that have applied the same set of
// update bytes are semantically equal regardless of the order they were
// applied in.
type Document interface {
	// StateVector returns a compact summary of which updates this replica
	// has observed.
	StateVector() []byte

	// EncodeDiff returns the minimal update bringing a peer whose state is
	// remoteStateVector up to this replica's state.
	EncodeDiff(remoteStateVector []byte) []byte

	// ApplyUpdate merges update into the replica. It is idempotent and
	// commutative with respect to other applies. applied reports whether
	// the update advanced this replica's state at all (false for a
	// semantic no-op, e.g. a retransmit of already-seen operations).
	ApplyUpdate(update []byte) (applied bool, err error)

	// Subscribe registers a callback invoked synchronously, after each
	// ApplyUpdate or local mutation that advances the replica, with the
	// update bytes that were just integrated.
	Subscribe(callback func(update []byte)) SubscriptionHandle

	// Unsubscribe removes a previously registered callback.
	Unsubscribe(handle SubscriptionHandle)
}

// SubscriptionHandle identifies a registered Subscribe callback.
type SubscriptionHandle int

// ID uniquely identifies one operation: the replica that minted it and that
// replica's local, strictly increasing counter at the time. Two replicas
// that integrate the same ID integrate the same operation exactly once.
type ID struct {
	Replica uint64
	Counter uint64
}

// Less defines the deterministic total order used to break ties between
// concurrent operations, so merge order never affects the converged result.
func (a ID) Less(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Replica < b.Replica
}
