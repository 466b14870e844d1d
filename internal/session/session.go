// Package session runs one virtual user's WebSocket connection: handshake,
// periodic sends, inbound latency sampling and a bounded lifetime.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"steadyws/internal/config"
	"steadyws/internal/logger"
	"steadyws/internal/stats"
)

var ErrHandshakeStatus = errors.New("handshake did not switch protocols")

const writeWait = 5 * time.Second

// State is the connection lifecycle position.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Reason says why a session ended.
type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonRetired Reason = "retired"
	ReasonAborted Reason = "aborted"
	ReasonKilled  Reason = "killed"
	ReasonRemote  Reason = "remote"
	ReasonError   Reason = "error"
)

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configure one session.
type Options struct {
	VU             int
	Username       string
	Room           string
	URL            string // full handshake URL including room and username
	SendInterval   time.Duration
	Timeout        time.Duration
	ConnectTimeout time.Duration
	CloseWait      time.Duration
	LatencyMode    config.LatencyMode

	Dialer      Dialer
	Metrics     *stats.Collector
	Templates   *TemplateEngine
	Content     *template.Template // nil sends ContentText verbatim
	ContentText string

	// OnClosing is called when the session starts closing because its
	// lifetime ran out.
	OnClosing func()

	// Now is the clock used for sendAt and latency; defaults to time.Now.
	Now func() time.Time
}

// Outcome is what a finished session reports.
type Outcome struct {
	State     State
	Reason    Reason
	CloseCode int
	CloseText string
	Err       error
	Lifetime  time.Duration
}

// Session is one connection of one VU. Run it once.
type Session struct {
	opts Options
	log  *zap.Logger

	state atomic.Int32

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelDial context.CancelFunc

	writeMu sync.Mutex
	closing bool // guarded by writeMu

	stopOnce    sync.Once
	stopCh      chan struct{}
	stopReason  Reason
	releaseOnce sync.Once

	seq int64
}

type outbound struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
	SendAt  int64  `json:"sendAt"`
}

func New(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Templates == nil {
		opts.Templates = NewTemplateEngine()
	}
	if opts.LatencyMode == "" {
		opts.LatencyMode = config.LatencyAny
	}
	return &Session{
		opts:   opts,
		log:    logger.Named("session").With(zap.Int("vu", opts.VU), zap.String("username", opts.Username)),
		stopCh: make(chan struct{}),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Retire asks the session to close gracefully.
func (s *Session) Retire() {
	s.requestStop(ReasonRetired)
}

// Kill tears the session down without waiting for the close handshake.
func (s *Session) Kill() {
	s.requestStop(ReasonKilled)
	s.mu.Lock()
	cancel := s.cancelDial
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.release()
}

func (s *Session) requestStop(r Reason) {
	s.stopOnce.Do(func() {
		s.stopReason = r
		close(s.stopCh)
	})
}

// Run connects and drives the session until it ends. Cancelling ctx aborts it.
func (s *Session) Run(ctx context.Context) Outcome {
	s.setState(Connecting)
	m := s.opts.Metrics

	conn, connectDur, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil || s.stopped() {
			// run aborted or VU retired mid-handshake; not a service failure
			s.setState(Closed)
			return Outcome{State: Closed, Reason: s.endReason(ctx, ReasonAborted), Err: err}
		}
		m.ConnectionErrors.Add(true)
		s.setState(Failed)
		s.log.Debug("connect failed", zap.Error(err))
		return Outcome{State: Failed, Reason: ReasonError, Err: err}
	}

	m.ConnectionErrors.Add(false)
	m.Connecting.AddDuration(connectDur)
	m.Sessions.Inc()
	opened := time.Now()
	s.setState(Open)
	s.log.Debug("session open", zap.Duration("connect", connectDur))

	out := s.loop(ctx, conn)
	out.Lifetime = time.Since(opened)
	m.SessionDuration.AddDuration(out.Lifetime)
	s.setState(out.State)

	fields := []zap.Field{zap.String("reason", string(out.Reason)), zap.Duration("lifetime", out.Lifetime)}
	if out.CloseCode != 0 {
		fields = append(fields, zap.Int("close_code", out.CloseCode), zap.String("close_reason", out.CloseText))
	}
	if out.Err != nil {
		s.log.Warn("session failed", append(fields, zap.Error(out.Err))...)
	} else {
		s.log.Debug("session closed", fields...)
	}
	return out
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) endReason(ctx context.Context, fallback Reason) Reason {
	if s.stopped() {
		return s.stopReason
	}
	if ctx.Err() != nil {
		return ReasonAborted
	}
	return fallback
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	s.mu.Lock()
	s.cancelDial = cancel
	s.mu.Unlock()
	if s.stopped() {
		return nil, 0, context.Canceled
	}

	start := time.Now()
	conn, resp, err := s.opts.Dialer.DialContext(dialCtx, s.opts.URL, nil)
	elapsed := time.Since(start)
	if err != nil {
		if resp != nil {
			return nil, elapsed, fmt.Errorf("%w: HTTP %d: %v", ErrHandshakeStatus, resp.StatusCode, err)
		}
		return nil, elapsed, err
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, elapsed, fmt.Errorf("%w: HTTP %d", ErrHandshakeStatus, resp.StatusCode)
	}

	s.mu.Lock()
	s.cancelDial = nil
	s.conn = conn
	s.mu.Unlock()
	if s.stopped() && s.stopReason == ReasonKilled {
		// Kill raced the handshake
		s.release()
	}
	return conn, elapsed, nil
}

func (s *Session) loop(ctx context.Context, conn *websocket.Conn) Outcome {
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn)
	}()

	ticker := time.NewTicker(s.opts.SendInterval)
	defer ticker.Stop()
	lifetime := time.NewTimer(s.opts.Timeout)
	defer lifetime.Stop()

	for {
		select {
		case <-ticker.C:
			s.send(conn)

		case <-lifetime.C:
			if s.opts.OnClosing != nil {
				s.opts.OnClosing()
			}
			return s.closeGracefully(conn, ReasonTimeout, readErr)

		case <-s.stopCh:
			if s.stopReason == ReasonKilled {
				s.release()
				return Outcome{State: Closed, Reason: ReasonKilled}
			}
			return s.closeGracefully(conn, s.stopReason, readErr)

		case <-ctx.Done():
			s.writeClose(conn)
			s.release()
			return Outcome{State: Closed, Reason: ReasonAborted}

		case err := <-readErr:
			s.release()
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				return Outcome{State: Closed, Reason: ReasonRemote, CloseCode: ce.Code, CloseText: ce.Text}
			}
			if s.stopped() || ctx.Err() != nil {
				return Outcome{State: Closed, Reason: s.endReason(ctx, ReasonAborted)}
			}
			// the handshake already counted this attempt as a success
			s.opts.Metrics.ConnectionErrors.Amend()
			return Outcome{State: Failed, Reason: ReasonError, Err: err}
		}
	}
}

// closeGracefully sends a normal close frame and waits up to CloseWait for the
// peer's close before releasing the socket.
func (s *Session) closeGracefully(conn *websocket.Conn, reason Reason, readErr <-chan error) Outcome {
	s.setState(Closing)
	out := Outcome{State: Closed, Reason: reason}
	s.writeClose(conn)

	wait := time.NewTimer(s.opts.CloseWait)
	defer wait.Stop()
	select {
	case err := <-readErr:
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			out.CloseCode = ce.Code
			out.CloseText = ce.Text
		}
	case <-wait.C:
	}
	s.release()
	return out
}

// writeClose sends the close frame and marks the session closing so no
// further data frames are written.
func (s *Session) writeClose(conn *websocket.Conn) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// release closes the socket exactly once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.writeMu.Lock()
		s.closing = true
		s.writeMu.Unlock()

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *Session) send(conn *websocket.Conn) {
	m := s.opts.Metrics
	content, err := s.content()
	if err != nil {
		m.SendErrors.Inc()
		s.log.Warn("render content", zap.Error(err))
		return
	}
	payload, err := json.Marshal(outbound{
		Type:    "message",
		Room:    s.opts.Room,
		Sender:  s.opts.Username,
		Content: content,
		SendAt:  s.opts.Now().UnixMilli(),
	})
	if err != nil {
		m.SendErrors.Inc()
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closing {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.SendErrors.Inc()
		s.log.Debug("send failed", zap.Error(err))
		return
	}
	m.MsgsSent.Inc()
}

func (s *Session) content() (string, error) {
	if s.opts.Content == nil {
		return s.opts.ContentText, nil
	}
	s.seq++
	return s.opts.Templates.Execute(s.opts.Content, TemplateData{
		Username: s.opts.Username,
		VU:       s.opts.VU,
		Room:     s.opts.Room,
		Seq:      s.seq,
	})
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.opts.Metrics.MsgsReceived.Inc()
		s.HandleFrame(data)
	}
}

// HandleFrame samples latency from every JSON value in data carrying a
// positive numeric sendAt. Anything else is ignored.
func (s *Session) HandleFrame(data []byte) {
	now := s.opts.Now()
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			return
		}
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		sendAt, ok := obj["sendAt"].(float64)
		if !ok || sendAt <= 0 {
			continue
		}
		sender, _ := obj["sender"].(string)
		if !s.accepts(sender) {
			continue
		}
		latency := float64(now.UnixNano())/float64(time.Millisecond) - sendAt
		if latency < 0 {
			continue
		}
		s.opts.Metrics.BroadcastLatency.Add(latency)
	}
}

func (s *Session) accepts(sender string) bool {
	switch s.opts.LatencyMode {
	case config.LatencySelf:
		return sender == s.opts.Username
	case config.LatencyOthers:
		return sender != s.opts.Username
	}
	return true
}
