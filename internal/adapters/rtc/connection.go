// Package rtc implements the media ports on top of pion/webrtc: peer connections
// with trickle ICE, RTP-fed local streams and RTP forwarding of remote tracks.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

var ErrConnectionFailed = errors.New("peer connection failed")

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Transport creates pion peer connections.
type Transport struct {
	Config webrtc.Configuration
}

func NewTransport(iceServers []string) *Transport {
	return &Transport{Config: DefaultWebRTCConfig(iceServers)}
}

func (t *Transport) CreateConnection(_ context.Context, opts core.ConnectionOptions) (core.MediaConnection, error) {
	pc, err := webrtc.NewPeerConnection(t.Config)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, opts: opts}, nil
}

// Connection is one pion PeerConnection driven by opaque signals.
type Connection struct {
	pc   *webrtc.PeerConnection
	opts core.ConnectionOptions

	mu        sync.Mutex
	onSignal  func(core.Signal)
	onStream  func(core.RemoteStream)
	onConnect func()
	onError   func(error)
	pending   []webrtc.ICECandidateInit
	remote    *Remote
	cancel    context.CancelFunc
	closed    bool
}

func (c *Connection) OnSignal(fn func(core.Signal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

func (c *Connection) OnStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStream = fn
}

func (c *Connection) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

func (c *Connection) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Start installs the pion handlers, attaches local tracks and, on the initiator,
// emits the offer.
func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	remote := string(c.opts.Remote)

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.emitSignal(domain.SignalICECandidate, cand.ToJSON())
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", remote).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.mu.Lock()
			fn := c.onConnect
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateFailed:
			c.fail(fmt.Errorf("%s: %w", remote, ErrConnectionFailed))
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", remote).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.mu.Lock()
		first := c.remote == nil
		if first {
			c.remote = NewRemote(track.StreamID())
		}
		rs := c.remote
		fn := c.onStream
		c.mu.Unlock()
		rs.AddSource(ctx, track.Kind().String(), trackSource{track})
		if first && fn != nil {
			fn(rs)
		}
	})

	if c.opts.Local != nil {
		for _, t := range c.opts.Local.Tracks() {
			if _, err := c.pc.AddTrack(t); err != nil {
				return fmt.Errorf("add track %s: %w", t.ID(), err)
			}
		}
	} else {
		// Receive-only: still negotiate both kinds so the peer can send.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	if !c.opts.Initiator {
		return nil
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	c.emitSignal(domain.SignalOffer, offer)
	return nil
}

// ApplySignal consumes an offer, answer or ICE candidate from the peer.
// Candidates that arrive before the remote description are held.
func (c *Connection) ApplySignal(s core.Signal) error {
	switch s.Kind {
	case domain.SignalOffer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(s.Data, &sdp); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		if err := c.pc.SetRemoteDescription(sdp); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		c.emitSignal(domain.SignalAnswer, answer)
		return c.flushCandidates()
	case domain.SignalAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(s.Data, &sdp); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		if err := c.pc.SetRemoteDescription(sdp); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return c.flushCandidates()
	case domain.SignalICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(s.Data, &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		if c.pc.RemoteDescription() == nil {
			c.mu.Lock()
			c.pending = append(c.pending, cand)
			c.mu.Unlock()
			return nil
		}
		return c.pc.AddICECandidate(cand)
	default:
		return fmt.Errorf("signal kind %q: %w", s.Kind, domain.ErrInvalidState)
	}
}

// PendingCandidates is the number of candidates waiting for a remote description.
func (c *Connection) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) flushCandidates() error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	var errs []error
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Connection) emitSignal(kind domain.SignalKind, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("encode signal")
		return
	}
	c.mu.Lock()
	fn := c.onSignal
	c.mu.Unlock()
	if fn != nil {
		fn(core.Signal{Kind: kind, Data: data})
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	fn := c.onError
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(err)
	}
}

// Close stops forwarding and closes the peer connection.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.opts.Remote)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(c.opts.Remote)).Msg("closed")
	}
}
