package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steadyws/internal/config"
	"steadyws/internal/stats"
	"steadyws/internal/threshold"
)

func newServer(t *testing.T, onConn func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		onConn(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=general&username=user_1"
}

func echo(c *websocket.Conn) {
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if err := c.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func testOptions(url string, m *stats.Collector) Options {
	return Options{
		VU:             1,
		Username:       "user_1",
		Room:           "general",
		URL:            url,
		SendInterval:   20 * time.Millisecond,
		Timeout:        time.Minute,
		ConnectTimeout: 2 * time.Second,
		CloseWait:      500 * time.Millisecond,
		Dialer:         websocket.DefaultDialer,
		Metrics:        m,
		ContentText:    "hello",
	}
}

func runAsync(ctx context.Context, s *Session) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return Outcome{}
	}
}

func TestHandleFrameLatency(t *testing.T) {
	m := stats.NewCollector()
	s := New(Options{Username: "user_1", Metrics: m, Now: func() time.Time { return time.UnixMilli(1120) }})

	s.HandleFrame([]byte(`{"sendAt": 1000}`))

	snap := m.BroadcastLatency.Snapshot()
	require.Equal(t, int64(1), snap.Count)
	assert.Equal(t, 120.0, snap.Max)
}

func TestHandleFrameIgnoresNonMatching(t *testing.T) {
	m := stats.NewCollector()
	s := New(Options{Username: "user_1", Metrics: m, Now: func() time.Time { return time.UnixMilli(5000) }})

	for _, frame := range []string{
		"not json",
		`{"type":"presence","users":["a"]}`,
		`{"sendAt":"1000"}`,
		`{"sendAt":0}`,
		`{"sendAt":9000}`,
		`[1,2,3]`,
		``,
	} {
		s.HandleFrame([]byte(frame))
	}
	assert.Equal(t, int64(0), m.BroadcastLatency.Count())
}

func TestHandleFrameConcatenatedValues(t *testing.T) {
	m := stats.NewCollector()
	s := New(Options{Username: "user_1", Metrics: m, Now: func() time.Time { return time.UnixMilli(2000) }})

	s.HandleFrame([]byte("{\"sendAt\":1000}\n{\"type\":\"join\",\"sendAt\":1500}"))

	snap := m.BroadcastLatency.Snapshot()
	assert.Equal(t, int64(2), snap.Count)
	assert.Equal(t, 500.0, snap.Min)
	assert.Equal(t, 1000.0, snap.Max)
}

func TestLatencyModes(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"sender":"user_1","sendAt":1000}`),
		[]byte(`{"sender":"user_2","sendAt":1000}`),
		[]byte(`{"type":"join","sendAt":1000}`),
	}
	tests := []struct {
		mode config.LatencyMode
		want int64
	}{
		{config.LatencyAny, 3},
		{config.LatencySelf, 1},
		{config.LatencyOthers, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			m := stats.NewCollector()
			s := New(Options{
				Username:    "user_1",
				Metrics:     m,
				LatencyMode: tt.mode,
				Now:         func() time.Time { return time.UnixMilli(1100) },
			})
			for _, f := range frames {
				s.HandleFrame(f)
			}
			assert.Equal(t, tt.want, m.BroadcastLatency.Count())
		})
	}
}

func TestSessionEchoUntilTimeout(t *testing.T) {
	url := newServer(t, echo)
	m := stats.NewCollector()
	opts := testOptions(url, m)
	opts.Timeout = 300 * time.Millisecond
	var leaving atomic.Int32
	opts.OnClosing = func() { leaving.Add(1) }

	out := New(opts).Run(context.Background())

	assert.Equal(t, Closed, out.State)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.Equal(t, int32(1), leaving.Load())
	assert.Equal(t, websocket.CloseNormalClosure, out.CloseCode)
	assert.NoError(t, out.Err)
	assert.Greater(t, m.MsgsSent.Value(), int64(0))
	assert.Greater(t, m.BroadcastLatency.Count(), int64(0))
	assert.Equal(t, int64(1), m.Sessions.Value())
	assert.Equal(t, int64(1), m.SessionDuration.Count())
	assert.Equal(t, int64(1), m.Connecting.Count())

	trues, total := m.ConnectionErrors.Counts()
	assert.Equal(t, int64(0), trues)
	assert.Equal(t, int64(1), total)
}

func TestSessionContentTemplate(t *testing.T) {
	got := make(chan string, 1)
	url := newServer(t, func(c *websocket.Conn) {
		_, data, err := c.ReadMessage()
		if err == nil {
			got <- string(data)
		}
		drain(c)
	})

	m := stats.NewCollector()
	opts := testOptions(url, m)
	opts.Templates = NewTemplateEngine()
	tmpl, err := opts.Templates.Parse("content", "hi from {{username}} #{{seq}}")
	require.NoError(t, err)
	opts.Content = tmpl

	s := New(opts)
	done := runAsync(context.Background(), s)

	var payload string
	select {
	case payload = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
	s.Retire()
	waitOutcome(t, done)

	assert.Contains(t, payload, `"type":"message"`)
	assert.Contains(t, payload, `"room":"general"`)
	assert.Contains(t, payload, `"sender":"user_1"`)
	assert.Contains(t, payload, `"content":"hi from user_1 #1"`)
	assert.Contains(t, payload, `"sendAt":`)
}

func TestSessionIgnoresMalformedAndStaysOpen(t *testing.T) {
	url := newServer(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte("not json"))
		drain(c)
	})
	m := stats.NewCollector()
	s := New(testOptions(url, m))
	done := runAsync(context.Background(), s)

	require.Eventually(t, func() bool { return m.MsgsReceived.Value() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, Open, s.State())
	assert.Equal(t, int64(0), m.BroadcastLatency.Count())

	s.Retire()
	out := waitOutcome(t, done)
	assert.Equal(t, ReasonRetired, out.Reason)
	assert.Equal(t, Closed, out.State)
	assert.NoError(t, out.Err)
	assert.Equal(t, 0.0, m.ConnectionErrors.Rate())
}

func TestSessionHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := stats.NewCollector()
	out := New(testOptions("ws"+strings.TrimPrefix(srv.URL, "http"), m)).Run(context.Background())

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, ReasonError, out.Reason)
	assert.ErrorIs(t, out.Err, ErrHandshakeStatus)
	assert.Equal(t, 1.0, m.ConnectionErrors.Rate())
	assert.Equal(t, int64(0), m.Sessions.Value())
}

func TestSessionRemoteClose(t *testing.T) {
	url := newServer(t, func(c *websocket.Conn) {
		msg := websocket.FormatCloseMessage(4000, "bye")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drain(c)
	})
	m := stats.NewCollector()
	out := New(testOptions(url, m)).Run(context.Background())

	assert.Equal(t, Closed, out.State)
	assert.Equal(t, ReasonRemote, out.Reason)
	assert.Equal(t, 4000, out.CloseCode)
	assert.Equal(t, "bye", out.CloseText)
	assert.Equal(t, 0.0, m.ConnectionErrors.Rate())
}

func TestSessionTransportFailure(t *testing.T) {
	url := newServer(t, func(c *websocket.Conn) {
		// drop the TCP connection without a close frame
		c.UnderlyingConn().Close()
	})
	m := stats.NewCollector()
	out := New(testOptions(url, m)).Run(context.Background())

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, ReasonError, out.Reason)
	assert.Error(t, out.Err)

	trues, total := m.ConnectionErrors.Counts()
	assert.Equal(t, int64(1), trues)
	assert.Equal(t, int64(1), total)
}

func TestConnectionErrorRateCountsEachAttemptOnce(t *testing.T) {
	var conns atomic.Int64
	url := newServer(t, func(c *websocket.Conn) {
		if conns.Add(1) == 100 {
			c.UnderlyingConn().Close()
			return
		}
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		drain(c)
	})
	m := stats.NewCollector()

	failed := 0
	for i := 0; i < 100; i++ {
		out := New(testOptions(url, m)).Run(context.Background())
		if out.State == Failed {
			failed++
		}
	}
	require.Equal(t, 1, failed)

	trues, total := m.ConnectionErrors.Counts()
	assert.Equal(t, int64(1), trues)
	assert.Equal(t, int64(100), total)

	eval, err := threshold.New(m, []config.Threshold{
		{Metric: stats.ConnectionErrors, Expression: "rate<0.01", AbortOnFail: true},
	}, time.Second)
	require.NoError(t, err)
	results := eval.Evaluate()
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, 0.01, results[0].Observed)
}

func TestSessionAbortedByContext(t *testing.T) {
	url := newServer(t, drain)
	m := stats.NewCollector()
	s := New(testOptions(url, m))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return s.State() == Open }, 3*time.Second, 5*time.Millisecond)

	cancel()
	out := waitOutcome(t, done)
	assert.Equal(t, ReasonAborted, out.Reason)
	assert.Equal(t, Closed, out.State)
	assert.Equal(t, 0.0, m.ConnectionErrors.Rate())
}

func TestSessionKill(t *testing.T) {
	url := newServer(t, drain)
	m := stats.NewCollector()
	s := New(testOptions(url, m))

	done := runAsync(context.Background(), s)
	require.Eventually(t, func() bool { return s.State() == Open }, 3*time.Second, 5*time.Millisecond)

	s.Kill()
	s.Kill()
	out := waitOutcome(t, done)
	assert.Equal(t, ReasonKilled, out.Reason)
	assert.Equal(t, Closed, s.State())
}

func TestSessionKilledBeforeRun(t *testing.T) {
	m := stats.NewCollector()
	s := New(testOptions("ws://127.0.0.1:1/ws", m))
	s.Kill()

	out := s.Run(context.Background())
	assert.Equal(t, Closed, out.State)
	assert.Equal(t, ReasonKilled, out.Reason)
	_, total := m.ConnectionErrors.Counts()
	assert.Equal(t, int64(0), total)
}

func TestTemplateEngine(t *testing.T) {
	e := NewTemplateEngine()
	tmpl, err := e.Parse("t", `{{username}}/{{vu}}/{{room}}/{{randomChoice "a" "a"}}/{{randomInt 3 4}}`)
	require.NoError(t, err)

	out, err := e.Execute(tmpl, TemplateData{Username: "user_9", VU: 9, Room: "general"})
	require.NoError(t, err)
	assert.Equal(t, "user_9/9/general/a/3", out)

	tmpl, err = e.Parse("t", `{{randomLine "/does/not/exist"}}`)
	require.NoError(t, err)
	_, err = e.Execute(tmpl, TemplateData{})
	assert.Error(t, err)
}
