package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

var ErrNotConnected = errors.New("session is not connected")

type Options struct {
	URL         string
	MaxAttempts int
	BaseDelay   time.Duration
	SendPoll    time.Duration
	WriteWait   time.Duration
	Clock       clockwork.Clock
	Dialer      Dialer

	// OnMessage and OnState run on session goroutines and must not block.
	OnMessage func(protocol.Message)
	OnState   func(State)
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.SendPoll <= 0 {
		o.SendPoll = 100 * time.Millisecond
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
}

// Session keeps one logical connection to a room alive across abnormal
// disconnects. Backoff doubles per attempt and the attempt counter resets
// whenever the socket opens. A manual Close is final.
type Session struct {
	opts Options

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	manual   bool
	queue    [][]byte
	err      error

	// writeMu serialises socket writes, taking it before mu keeps queued
	// frames ahead of later direct sends.
	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(opts Options) *Session {
	opts.withDefaults()
	return &Session{
		opts:   opts,
		state:  Connecting,
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

// Start dials in the background. Cancelling ctx ends the session like a
// manual Close.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.flushLoop(ctx)
	go s.run(ctx)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session closed: nil after a manual or normal close,
// domain.ErrReconnectExhausted after the last failed attempt, or the
// server's *websocket.CloseError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send writes m when OPEN. While CONNECTING it is queued and flushed on the
// poll interval once the socket opens. In any other state it is dropped.
func (s *Session) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.state == Connecting, s.state == Open && len(s.queue) > 0:
		s.queue = append(s.queue, data)
		s.mu.Unlock()
		return nil
	case s.state == Open:
		conn := s.conn
		s.mu.Unlock()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.write(conn, data)
	default:
		state := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "client").Str("state", state.String()).Str("type", string(m.Type())).
			Msg("send dropped, not connected")
		return ErrNotConnected
	}
}

// Close ends the session for good and cancels any pending reconnect.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.manual = true
	s.state = Closed
	s.queue = nil
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.mu.Unlock()

	var err error
	if conn != nil {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Normal Closure")
		err = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	cancel()
	s.notify(Closed)
	return err
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancelFunc()()

	for {
		conn, err := s.opts.Dialer.Dial(ctx, s.opts.URL)
		if err != nil {
			if s.isManual() || ctx.Err() != nil {
				s.finish(nil)
				return
			}
			log.Warn().Str("module", "client").Str("url", s.opts.URL).Err(err).Msg("dial failed")
			s.transition(ClosingAbnormal)
		} else {
			if !s.opened(conn) {
				_ = conn.Close()
				return
			}
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			err = s.readLoop(conn)
			stop()
			_ = conn.Close()
			if s.isManual() {
				return
			}
			if ctx.Err() != nil {
				s.finish(nil)
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				log.Info().Str("module", "client").Int("code", closeErr.Code).Str("reason", closeErr.Text).
					Msg("closed by server")
				s.transition(ClosingNormal)
				if closeErr.Code == websocket.CloseNormalClosure {
					s.finish(nil)
				} else {
					s.finish(closeErr)
				}
				return
			}
			log.Warn().Str("module", "client").Err(err).Msg("connection lost")
			s.transition(ClosingAbnormal)
		}

		if !s.backoff(ctx) {
			return
		}
	}
}

func (s *Session) cancelFunc() context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel
}

func (s *Session) opened(conn Conn) bool {
	s.mu.Lock()
	if s.manual {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.attempts = 0
	s.state = Open
	s.mu.Unlock()

	log.Info().Str("module", "client").Str("url", s.opts.URL).Msg("connected")
	s.notify(Open)
	return true
}

func (s *Session) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Str("module", "client").Err(err).Msg("bad message")
			continue
		}
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(msg)
		}
	}
}

// backoff waits BaseDelay<<attempts and reports whether to dial again.
func (s *Session) backoff(ctx context.Context) bool {
	s.mu.Lock()
	if s.manual {
		s.mu.Unlock()
		return false
	}
	if s.attempts >= s.opts.MaxAttempts {
		attempts := s.attempts
		s.mu.Unlock()
		log.Error().Str("module", "client").Int("attempts", attempts).Msg("giving up reconnecting")
		s.finish(domain.ErrReconnectExhausted)
		return false
	}
	delay := s.opts.BaseDelay << s.attempts
	s.mu.Unlock()

	if !s.transition(Reconnecting) {
		return false
	}
	timer := s.opts.Clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-ctx.Done():
		s.finish(nil)
		return false
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()
	log.Info().Str("module", "client").Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	return s.transition(Connecting)
}

func (s *Session) isManual() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manual
}

// transition moves to a non-final state unless the session already closed.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if to != Open {
		s.conn = nil
	}
	if to != Connecting && to != Open && len(s.queue) > 0 {
		log.Warn().Str("module", "client").Int("frames", len(s.queue)).Msg("queued sends dropped")
		s.queue = nil
	}
	s.mu.Unlock()
	s.notify(to)
	return true
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.conn = nil
	s.queue = nil
	s.err = err
	s.mu.Unlock()
	s.notify(Closed)
}

func (s *Session) notify(state State) {
	if s.opts.OnState != nil {
		s.opts.OnState(state)
	}
}

func (s *Session) flushLoop(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.SendPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.flush()
		}
	}
}

func (s *Session) flush() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != Open || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	queue, conn := s.queue, s.conn
	s.queue = nil
	s.mu.Unlock()

	for i, data := range queue {
		if err := s.write(conn, data); err != nil {
			log.Warn().Str("module", "client").Int("dropped", len(queue)-i).Err(err).Msg("flush failed")
			return
		}
	}
}

// write must be called with writeMu held.
func (s *Session) write(conn Conn, data []byte) error {
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
