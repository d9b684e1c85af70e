package rtc

import (
	"context"
	"maps"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PacketSource yields RTP packets until it fails.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

type trackSource struct{ t *webrtc.TrackRemote }

func (s trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.t.ReadRTP()
	return pkt, err
}

// Sink receives forwarded packets. *webrtc.TrackLocalStaticRTP is a Sink.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

type SinkState int32

const (
	SinkOk SinkState = iota
	SinkMuted
	SinkDelete
)

type outSink struct {
	Sink
	state atomic.Int32
}

func (o *outSink) State() SinkState { return SinkState(o.state.Load()) }

func (o *outSink) mark(s SinkState) { o.state.Store(int32(s)) }

// Remote is the media received from one peer. Each source kind (audio, video)
// runs its own forward loop to the sinks attached for that kind.
type Remote struct {
	id string

	mu      sync.RWMutex
	sinks   map[string]map[string]*outSink
	sources map[string]bool
}

func NewRemote(id string) *Remote {
	return &Remote{
		id:      id,
		sinks:   make(map[string]map[string]*outSink),
		sources: make(map[string]bool),
	}
}

func (r *Remote) ID() string { return r.id }

// Kinds lists the source kinds received so far.
func (r *Remote) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for k := range r.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AddSink attaches name to the kind's forward loop, replacing a previous sink of that name.
func (r *Remote) AddSink(kind, name string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinks[kind] == nil {
		r.sinks[kind] = make(map[string]*outSink)
	}
	r.sinks[kind][name] = &outSink{Sink: s}
}

func (r *Remote) Mute(kind, name string, muted bool) {
	if o, ok := r.sink(kind, name); ok {
		if muted {
			o.mark(SinkMuted)
		} else {
			o.mark(SinkOk)
		}
	}
}

func (r *Remote) RemoveSink(kind, name string) {
	if o, ok := r.sink(kind, name); ok {
		o.mark(SinkDelete)
	}
}

// SinkCount counts the live sinks of a kind.
func (r *Remote) SinkCount(kind string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks[kind])
}

func (r *Remote) sink(kind, name string) (*outSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.sinks[kind][name]
	return o, ok
}

// AddSource starts forwarding src until ctx is done or the source fails.
func (r *Remote) AddSource(ctx context.Context, kind string, src PacketSource) {
	r.mu.Lock()
	r.sources[kind] = true
	r.mu.Unlock()
	logger := log.With().Str("module", "rtc.forward").Str("stream", r.id).Str("kind", kind).Logger()
	go r.loop(ctx, kind, src, &logger)
}

func (r *Remote) loop(ctx context.Context, kind string, src PacketSource, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("forward ctx done, dropping sinks")
			r.markAllDelete(kind)
			return
		default:
		}
		pkt, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("source ended")
			r.markAllDelete(kind)
			return
		}
		r.forward(kind, pkt, logger)
	}
}

func (r *Remote) forward(kind string, pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.sinks[kind])
	r.mu.RUnlock()

	var dirty []string
	for name, o := range snapshot {
		switch o.State() {
		case SinkDelete:
			dirty = append(dirty, name)
		case SinkMuted:
		case SinkOk:
			if err := o.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("sink", name).Msg("sink write failed, dropping it")
				o.mark(SinkDelete)
				dirty = append(dirty, name)
			}
		}
	}
	if len(dirty) > 0 {
		r.cleanup(kind, dirty)
	}
}

func (r *Remote) cleanup(kind string, dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range dirty {
		if o, ok := r.sinks[kind][name]; ok && o.State() == SinkDelete {
			delete(r.sinks[kind], name)
		}
	}
}

func (r *Remote) markAllDelete(kind string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.sinks[kind] {
		o.mark(SinkDelete)
	}
}

// UDPSink writes packets to a UDP address, e.g. a local player listening for RTP.
type UDPSink struct {
	conn net.Conn
}

func NewUDPSink(addr string) (*UDPSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPSink{conn: conn}, nil
}

func (s *UDPSink) WriteRTP(pkt *rtp.Packet) error {
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.Write(b)
	return err
}

func (s *UDPSink) Close() error { return s.conn.Close() }
