package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
)

const (
	KindVideo = "video"
	KindAudio = "audio"

	rtpBufferSize = 1500
)

// Stream is a local stream whose tracks are fed with RTP packets.
type Stream struct {
	id     string
	tracks map[string]*webrtc.TrackLocalStaticRTP

	mu        sync.Mutex
	stopped   bool
	cancel    context.CancelFunc
	listeners []net.PacketConn
}

func NewStream(c core.MediaConstraints) (*Stream, error) {
	s := &Stream{id: uuid.NewString(), tracks: make(map[string]*webrtc.TrackLocalStaticRTP)}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, KindVideo, s.id)
		if err != nil {
			return nil, err
		}
		s.tracks[KindVideo] = t
	}
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, KindAudio, s.id)
		if err != nil {
			return nil, err
		}
		s.tracks[KindAudio] = t
	}
	return s, nil
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, kind := range []string{KindVideo, KindAudio} {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// WriteRTP sends one packet on the kind's track.
func (s *Stream) WriteRTP(kind string, pkt *rtp.Packet) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return errors.New("stream stopped")
	}
	t, ok := s.tracks[kind]
	if !ok {
		return fmt.Errorf("stream has no %s track", kind)
	}
	return t.WriteRTP(pkt)
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, l := range listeners {
		_ = l.Close()
	}
	log.Info().Str("module", "rtc.stream").Str("stream", s.id).Msg("capture stopped")
}

// feed reads RTP datagrams from l into the kind's track until the stream stops.
func (s *Stream) feed(ctx context.Context, kind string, l net.PacketConn) {
	buf := make([]byte, rtpBufferSize)
	for {
		n, _, err := l.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "rtc.stream").Str("kind", kind).Msg("rtp ingest stopped")
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "rtc.stream").Msg("not an rtp packet")
			continue
		}
		if err := s.WriteRTP(kind, &pkt); err != nil {
			return
		}
	}
}

// Devices captures media from RTP datagrams sent to local UDP ports, e.g. by
// an encoder reading the camera. An empty address leaves that track silent.
type Devices struct {
	VideoAddr string
	AudioAddr string
}

func (d *Devices) Acquire(ctx context.Context, c core.MediaConstraints) (core.LocalStream, error) {
	s, err := NewStream(c)
	if err != nil {
		return nil, err
	}
	feedCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	inputs := map[string]string{}
	if c.Video && d.VideoAddr != "" {
		inputs[KindVideo] = d.VideoAddr
	}
	if c.Audio && d.AudioAddr != "" {
		inputs[KindAudio] = d.AudioAddr
	}
	var lc net.ListenConfig
	for kind, addr := range inputs {
		l, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("listen %s input %s: %w", kind, addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()
		go s.feed(feedCtx, kind, l)
		log.Info().Str("module", "rtc.stream").Str("kind", kind).Str("addr", l.LocalAddr().String()).Msg("rtp ingest listening")
	}
	return s, nil
}
