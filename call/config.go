package call

import (
	"time"

	"github.com/viamrobotics/webrtc/v3"

	calling "github.com/murmurtalk/calling"
)

// DefaultRingTimeout is how long an unanswered call rings before the caller
// marks it timed out.
const DefaultRingTimeout = 45 * time.Second

// A Config carries the identity of the local device and the collaborators the
// calling layers need. Store and LocalUserID are required; everything else
// has a usable default.
type Config struct {
	// Store is the signaling store calls are exchanged through.
	Store SignalingStore

	// Push dispatches call invitations to the peer's devices. Optional; when
	// unset callees only learn of calls through their store watches.
	Push PushDispatcher

	// LocalUserID is the signed-in user this device belongs to.
	LocalUserID string

	// LocalDisplayName is shown to the peer in invitations.
	LocalDisplayName string

	// DeviceToken uniquely identifies this device among the user's devices.
	// It is the value accept arbitration is decided on.
	DeviceToken string

	// RingTimeout bounds how long an outgoing call rings unanswered.
	RingTimeout time.Duration

	// WebRTC is the peer connection configuration for the default media
	// engine.
	WebRTC webrtc.Configuration

	// NewMediaEngine constructs the media engine for one call. Overridden in
	// tests.
	NewMediaEngine func(role Role, callType CallType) (MediaEngine, error)

	Logger calling.ZapCompatibleLogger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = calling.Logger
	}
	if c.RingTimeout == 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if len(c.WebRTC.ICEServers) == 0 {
		c.WebRTC = DefaultWebRTCConfiguration
	}
	if c.NewMediaEngine == nil {
		webrtcConfig := c.WebRTC
		logger := c.Logger
		c.NewMediaEngine = func(role Role, callType CallType) (MediaEngine, error) {
			return NewWebRTCMediaEngine(webrtcConfig, role, callType, logger)
		}
	}
	return c
}
