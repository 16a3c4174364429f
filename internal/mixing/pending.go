package mixing

import "time"

// PendingRequestTimeout is how long an accept request may wait for the
// connection to the mixing peer.
const PendingRequestTimeout = 15 * time.Second

// PendingRequest is an accept request waiting for a connection to Peer.
type PendingRequest struct {
	Peer    PeerInfo
	Accept  *Accept
	Created time.Time
}

// Equal reports whether two requests target the same peer with the same
// payload and creation time.
func (r PendingRequest) Equal(other PendingRequest) bool {
	if r.Peer.ID != other.Peer.ID || !r.Created.Equal(other.Created) {
		return false
	}
	if r.Accept == nil || other.Accept == nil {
		return r.Accept == other.Accept
	}
	return r.Accept.Denom == other.Accept.Denom &&
		r.Accept.Collateral == other.Accept.Collateral
}

// PendingRequestTracker holds at most one PendingRequest. It is not
// safe for concurrent use; the client guards it with its own mutex.
type PendingRequestTracker struct {
	clock Clock
	req   *PendingRequest
}

// NewPendingRequestTracker returns an empty tracker using clock.
func NewPendingRequestTracker(clock Clock) *PendingRequestTracker {
	return &PendingRequestTracker{clock: clock}
}

// Issue stores a new request. It fails with ErrRequestInFlight while a
// previous request is present and not yet expired.
func (t *PendingRequestTracker) Issue(peer PeerInfo, accept *Accept) error {
	if t.req != nil && !t.IsExpired() {
		return ErrRequestInFlight
	}
	t.req = &PendingRequest{Peer: peer, Accept: accept, Created: t.clock.Now()}
	return nil
}

// IsPresent reports whether a request occupies the slot.
func (t *PendingRequestTracker) IsPresent() bool {
	return t.req != nil
}

// Get returns the current request, if any.
func (t *PendingRequestTracker) Get() (PendingRequest, bool) {
	if t.req == nil {
		return PendingRequest{}, false
	}
	return *t.req, true
}

// IsExpired reports whether the current request is older than
// PendingRequestTimeout. An empty slot is never expired.
func (t *PendingRequestTracker) IsExpired() bool {
	if t.req == nil {
		return false
	}
	return t.clock.Now().Sub(t.req.Created) > PendingRequestTimeout
}

// Clear empties the slot.
func (t *PendingRequestTracker) Clear() {
	t.req = nil
}
