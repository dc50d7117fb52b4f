package call

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"
	"github.com/viamrobotics/webrtc/v3/pkg/media"
	"go.uber.org/multierr"

	calling "github.com/murmurtalk/calling"
)

// DefaultICEServers is the default set of ICE servers to use for session
// negotiation. There is no guarantee that the defaults here will remain
// usable.
var DefaultICEServers = []webrtc.ICEServer{
	// feel free to use your own ICE servers
	{
		URLs: []string{"stun:global.stun.twilio.com:3478"},
	},
}

// DefaultWebRTCConfiguration is the standard configuration used for peers.
var DefaultWebRTCConfiguration = webrtc.Configuration{
	ICEServers: DefaultICEServers,
}

func newWebRTCAPI(isCaller bool, logger calling.ZapCompatibleLogger) (*webrtc.API, error) {
	m := webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&m, &i); err != nil {
		return nil, err
	}

	var settingEngine webrtc.SettingEngine
	if isCaller {
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	} else {
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryOnly)
	}
	// by including the loopback candidate, we allow an offline mode such that
	// both peers on one host can connect over 127.0.0.1.
	settingEngine.SetIncludeLoopbackCandidate(true)
	settingEngine.SetRelayAcceptanceMinWait(3 * time.Second)
	settingEngine.SetIPFilter(func(ip net.IP) bool {
		if p4 := ip.To4(); len(p4) == net.IPv4len {
			return true
		}
		return false
	})

	options := []func(a *webrtc.API){webrtc.WithMediaEngine(&m), webrtc.WithInterceptorRegistry(&i)}
	if calling.Debug {
		if gl, ok := logger.(golog.Logger); ok {
			settingEngine.LoggerFactory = pionLoggerFactory{gl}
		}
	}
	options = append(options, webrtc.WithSettingEngine(settingEngine))
	return webrtc.NewAPI(options...), nil
}

// A webrtcMediaEngine is the pion backed MediaEngine. It always carries an
// audio track; the video track is added on demand by EnableVideo.
type webrtcMediaEngine struct {
	mu         sync.Mutex
	peerConn   *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample
	logger     calling.ZapCompatibleLogger
	closed     bool
}

// NewWebRTCMediaEngine returns a MediaEngine backed by a pion PeerConnection
// configured with the given call type. An audio call that later upgrades adds
// its video track through EnableVideo.
func NewWebRTCMediaEngine(
	config webrtc.Configuration,
	role Role,
	callType CallType,
	logger calling.ZapCompatibleLogger,
) (MediaEngine, error) {
	webAPI, err := newWebRTCAPI(role == RoleCaller, logger)
	if err != nil {
		return nil, err
	}
	peerConn, err := webAPI.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	var successful bool
	defer func() {
		if !successful {
			err = multierr.Combine(err, peerConn.Close())
		}
	}()

	engine := &webrtcMediaEngine{
		peerConn: peerConn,
		logger:   logger,
	}

	// The audio track is the reason the call exists; failing to create it
	// fails the whole attempt.
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"calling",
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create audio track")
	}
	if _, err := peerConn.AddTrack(audioTrack); err != nil {
		return nil, errors.Wrap(err, "failed to add audio track")
	}
	engine.audioTrack = audioTrack

	if callType == CallTypeVideo {
		if err := engine.addVideoTrackLocked(); err != nil {
			return nil, err
		}
	}

	// Renegotiation for mid-call track additions happens peer to peer over a
	// pre-negotiated data channel; the signaling store only ever carries the
	// initial offer and answer.
	if err := engine.configureForRenegotiation(); err != nil {
		return nil, err
	}

	successful = true
	return engine, nil
}

// configureForRenegotiation sets up PeerConnection callbacks for updating
// local descriptions and sending offers when a negotiation is needed (e.g.
// adding a video track), as well as listening for offers/answers to update
// remote descriptions when the peer adds one.
func (engine *webrtcMediaEngine) configureForRenegotiation() error {
	peerConn := engine.peerConn
	logger := engine.logger
	var negMu sync.Mutex

	// Both peers hard code the negotiation channel to be ID 1, so it is
	// "pre-negotiated".
	negotiated := true
	// Packets over this channel must be processed in order.
	ordered := true
	negotiationChannelID := uint16(1)
	negotiationChannel, err := peerConn.CreateDataChannel("negotiation", &webrtc.DataChannelInit{
		ID:         &negotiationChannelID,
		Negotiated: &negotiated,
		Ordered:    &ordered,
	})
	if err != nil {
		return err
	}

	// OnNegotiationNeeded fires before the connection is established too; we
	// drop those since the original connection is set up by the signaling
	// store machinery.
	negOpened := make(chan struct{})
	negotiationChannel.OnOpen(func() {
		close(negOpened)
	})

	peerConn.OnNegotiationNeeded(func() {
		select {
		case <-negOpened:
		default:
			return
		}

		negMu.Lock()
		defer negMu.Unlock()
		offer, err := peerConn.CreateOffer(nil)
		if err != nil {
			logger.Errorw("renegotiation: error creating offer", "error", err)
			return
		}
		if err := peerConn.SetLocalDescription(offer); err != nil {
			logger.Errorw("renegotiation: error setting local description", "error", err)
			return
		}
		// The local description differs from the offer (it includes gathered
		// candidates), so encode the former.
		encodedSDP, err := encodeSDP(peerConn.LocalDescription())
		if err != nil {
			logger.Errorw("renegotiation: error encoding SDP", "error", err)
			return
		}
		if err := negotiationChannel.SendText(encodedSDP); err != nil {
			logger.Errorw("renegotiation: error sending SDP", "error", err)
			return
		}
	})

	negotiationChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
		negMu.Lock()
		defer negMu.Unlock()

		description := webrtc.SessionDescription{}
		if err := decodeSDP(string(msg.Data), &description); err != nil {
			logger.Errorw("renegotiation: error decoding SDP", "error", err)
			return
		}
		if err := peerConn.SetRemoteDescription(description); err != nil {
			logger.Errorw("renegotiation: error setting remote description", "error", err)
			return
		}

		// An incoming answer means the peers are in sync again; only an
		// incoming offer needs a response.
		if description.Type != webrtc.SDPTypeOffer {
			return
		}
		answer, err := peerConn.CreateAnswer(nil)
		if err != nil {
			logger.Errorw("renegotiation: error creating answer", "error", err)
			return
		}
		if err := peerConn.SetLocalDescription(answer); err != nil {
			logger.Errorw("renegotiation: error setting local description", "error", err)
			return
		}
		encodedSDP, err := encodeSDP(peerConn.LocalDescription())
		if err != nil {
			logger.Errorw("renegotiation: error encoding SDP", "error", err)
			return
		}
		if err := negotiationChannel.SendText(encodedSDP); err != nil {
			logger.Errorw("renegotiation: error sending SDP", "error", err)
			return
		}
	})

	return nil
}

func encodeSDP(sdp *webrtc.SessionDescription) (string, error) {
	data, err := json.Marshal(sdp)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeSDP(encoded string, sdp *webrtc.SessionDescription) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, sdp)
}

func (engine *webrtcMediaEngine) CreateOffer() (SessionDescription, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	offer, err := engine.peerConn.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := engine.peerConn.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (engine *webrtcMediaEngine) CreateAnswer() (SessionDescription, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	answer, err := engine.peerConn.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := engine.peerConn.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (engine *webrtcMediaEngine) SetRemoteDescription(sd SessionDescription) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	sdpType := webrtc.SDPTypeOffer
	if sd.Type == webrtc.SDPTypeAnswer.String() {
		sdpType = webrtc.SDPTypeAnswer
	}
	return engine.peerConn.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  sd.SDP,
	})
}

func (engine *webrtcMediaEngine) AddRemoteCandidate(candidate ICECandidate) error {
	return engine.peerConn.AddICECandidate(candidate.toInit())
}

func (engine *webrtcMediaEngine) OnLocalCandidate(fn func(candidate ICECandidate)) {
	engine.peerConn.OnICECandidate(func(i *webrtc.ICECandidate) {
		if i == nil {
			return
		}
		fn(iceCandidateFromInit(i.ToJSON(), time.Now()))
	})
}

func (engine *webrtcMediaEngine) OnConnectionStateChange(fn func(state MediaConnectionState)) {
	engine.peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mediaConnectionStateFromWebRTC(state))
	})
}

// EnableVideo adds the local video track. Failure to source video degrades the
// upgrade, not the call, so the connection stays usable afterwards.
func (engine *webrtcMediaEngine) EnableVideo() error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.videoTrack != nil {
		return nil
	}
	return engine.addVideoTrackLocked()
}

func (engine *webrtcMediaEngine) addVideoTrackLocked() error {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"calling",
	)
	if err != nil {
		return errors.Wrap(err, "failed to create video track")
	}
	if _, err := engine.peerConn.AddTrack(videoTrack); err != nil {
		return errors.Wrap(err, "failed to add video track")
	}
	engine.videoTrack = videoTrack
	return nil
}

// WriteAudioSample feeds one encoded audio sample to the peer. The capture
// pipeline lives outside this package.
func (engine *webrtcMediaEngine) WriteAudioSample(sample media.Sample) error {
	return engine.audioTrack.WriteSample(sample)
}

// WriteVideoSample feeds one encoded video sample to the peer. It fails until
// EnableVideo has succeeded.
func (engine *webrtcMediaEngine) WriteVideoSample(sample media.Sample) error {
	engine.mu.Lock()
	videoTrack := engine.videoTrack
	engine.mu.Unlock()
	if videoTrack == nil {
		return errors.New("video not enabled")
	}
	return videoTrack.WriteSample(sample)
}

func (engine *webrtcMediaEngine) Close() error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.closed {
		return nil
	}
	engine.closed = true
	return engine.peerConn.Close()
}

func mediaConnectionStateFromWebRTC(state webrtc.PeerConnectionState) MediaConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return MediaConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return MediaConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return MediaConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return MediaConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return MediaConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return MediaConnectionClosed
	}
	return MediaConnectionClosed
}
