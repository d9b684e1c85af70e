package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

// Devices is a fake core.MediaDevices. Set Err to simulate a denied camera.
type Devices struct {
	mu       sync.Mutex
	Err      error
	acquired []*Stream
}

func (d *Devices) Acquire(_ context.Context, c core.MediaConstraints) (core.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	s := &Stream{id: "local", Constraints: c}
	d.acquired = append(d.acquired, s)
	return s, nil
}

func (d *Devices) Acquired() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream{}, d.acquired...)
}

type Stream struct {
	mu          sync.Mutex
	id          string
	Constraints core.MediaConstraints
	stopped     bool
}

func (s *Stream) ID() string                  { return s.id }
func (s *Stream) Tracks() []webrtc.TrackLocal { return nil }

func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Transport is a fake core.MediaTransport. Initiators emit an offer from Start,
// responders answer the first applied offer. Like a real peer connection, an
// initiator rejects a second answer.
type Transport struct {
	mu    sync.Mutex
	conns []*Conn
}

func (t *Transport) CreateConnection(_ context.Context, opts core.ConnectionOptions) (core.MediaConnection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Conn{Opts: opts}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn{}, t.conns...)
}

// Last returns the most recent connection to remote, or nil.
func (t *Transport) Last(remote domain.ParticipantID) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.conns) - 1; i >= 0; i-- {
		if t.conns[i].Opts.Remote == remote {
			return t.conns[i]
		}
	}
	return nil
}

type Conn struct {
	Opts core.ConnectionOptions

	mu        sync.Mutex
	applied   []core.Signal
	answered  bool
	closed    bool
	onSignal  func(core.Signal)
	onStream  func(core.RemoteStream)
	onConnect func()
	onError   func(error)
}

func (c *Conn) Start(context.Context) error {
	if c.Opts.Initiator {
		c.emit(core.Signal{Kind: domain.SignalOffer, Data: json.RawMessage(`{"type":"offer","sdp":"fake"}`)})
	}
	return nil
}

func (c *Conn) ApplySignal(s core.Signal) error {
	c.mu.Lock()
	if c.Opts.Initiator && s.Kind == domain.SignalAnswer {
		if c.answered {
			c.mu.Unlock()
			return errors.New("set remote answer in stable state")
		}
		c.answered = true
	}
	c.applied = append(c.applied, s)
	c.mu.Unlock()
	if !c.Opts.Initiator && s.Kind == domain.SignalOffer {
		c.emit(core.Signal{Kind: domain.SignalAnswer, Data: json.RawMessage(`{"type":"answer","sdp":"fake"}`)})
	}
	return nil
}

func (c *Conn) OnSignal(fn func(core.Signal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

func (c *Conn) OnStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStream = fn
}

func (c *Conn) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Applied returns the signals fed to the connection, in order.
func (c *Conn) Applied() []core.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Signal{}, c.applied...)
}

// Connect simulates the transport reaching connected and delivering a stream.
func (c *Conn) Connect() {
	c.mu.Lock()
	connect, stream := c.onConnect, c.onStream
	c.mu.Unlock()
	if connect != nil {
		connect()
	}
	if stream != nil {
		stream(remoteStream("remote-" + string(c.Opts.Remote)))
	}
}

func (c *Conn) Fail(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Conn) emit(s core.Signal) {
	c.mu.Lock()
	fn := c.onSignal
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

type remoteStream string

func (r remoteStream) ID() string { return string(r) }
