package call

// MediaConnectionState is the condensed transport state of a media engine.
type MediaConnectionState int

// Media connection states.
const (
	MediaConnectionNew MediaConnectionState = iota
	MediaConnectionConnecting
	MediaConnectionConnected
	MediaConnectionDisconnected
	MediaConnectionFailed
	MediaConnectionClosed
)

func (s MediaConnectionState) String() string {
	switch s {
	case MediaConnectionNew:
		return "new"
	case MediaConnectionConnecting:
		return "connecting"
	case MediaConnectionConnected:
		return "connected"
	case MediaConnectionDisconnected:
		return "disconnected"
	case MediaConnectionFailed:
		return "failed"
	case MediaConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// A MediaEngine owns the transport a call's media flows over. The session
// layer drives it with descriptions and candidates from the signaling store
// and never inspects SDP contents itself.
//
// Callbacks must be registered before the first description is created.
type MediaEngine interface {
	// CreateOffer generates the local offer and applies it as the local
	// description, which starts candidate gathering.
	CreateOffer() (SessionDescription, error)

	// CreateAnswer generates the local answer to a previously applied remote
	// offer and applies it as the local description.
	CreateAnswer() (SessionDescription, error)

	// SetRemoteDescription applies the peer's description.
	SetRemoteDescription(sd SessionDescription) error

	// AddRemoteCandidate feeds one remote candidate into the transport.
	// Candidates may arrive before or after the remote description per
	// trickle semantics.
	AddRemoteCandidate(candidate ICECandidate) error

	// OnLocalCandidate registers the handler invoked for every locally
	// gathered candidate. A nil candidate signal (empty Candidate string)
	// marks the end of gathering and is not delivered.
	OnLocalCandidate(fn func(candidate ICECandidate))

	// OnConnectionStateChange registers the handler invoked whenever the
	// transport state changes.
	OnConnectionStateChange(fn func(state MediaConnectionState))

	// EnableVideo adds the local video track to the transport. It is the
	// media-level half of a negotiated video upgrade and may trigger
	// renegotiation.
	EnableVideo() error

	// Close tears the transport down. Safe to call more than once.
	Close() error
}
