// Package dummy is a local chat-room target: a melody broadcaster that
// fans every message out to its room, with knobs for delay and rejected handshakes.
package dummy

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/olahol/melody"
	"go.uber.org/zap"

	"steadyws/internal/logger"
)

type ServerConfig struct {
	Port int
	// Delay holds every broadcast back by a random duration in [Delay/2, Delay*3/2).
	Delay time.Duration
	// RejectRatio is the share of handshakes answered with 503.
	RejectRatio float64
	// Presence emits join and leave events stamped with the server time.
	Presence bool
}

type event struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	Sender  string `json:"sender"`
	Content string `json:"content,omitempty"`
	SendAt  int64  `json:"sendAt"`
}

// Server is the broadcaster. It is an http.Handler serving /ws and /healthz.
type Server struct {
	cfg    ServerConfig
	melody *melody.Melody
	mux    *http.ServeMux
	log    *zap.Logger

	accepted atomic.Int64
	rejected atomic.Int64
	messages atomic.Int64
}

func New(cfg ServerConfig) *Server {
	m := melody.New()
	m.Config.MaxMessageSize = 4096

	s := &Server{
		cfg:    cfg,
		melody: m,
		mux:    http.NewServeMux(),
		log:    logger.Named("dummy"),
	}

	m.HandleConnect(s.handleConnect)
	m.HandleMessage(s.handleMessage)
	m.HandleDisconnect(s.handleDisconnect)

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok sessions=%d\n", s.melody.Len())
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RejectRatio > 0 && rand.Float64() < s.cfg.RejectRatio {
		s.rejected.Add(1)
		http.Error(w, "room is full", http.StatusServiceUnavailable)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		room = "general"
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}

	err := s.melody.HandleRequestWithKeys(w, r, map[string]any{
		"room":     room,
		"username": username,
	})
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
}

func (s *Server) handleConnect(sess *melody.Session) {
	s.accepted.Add(1)
	if s.cfg.Presence {
		s.broadcast(sess, event{Type: "join", Room: getString(sess, "room"), Sender: getString(sess, "username")})
	}
}

func (s *Server) handleDisconnect(sess *melody.Session) {
	if s.cfg.Presence {
		s.broadcast(sess, event{Type: "leave", Room: getString(sess, "room"), Sender: getString(sess, "username")})
	}
}

func (s *Server) handleMessage(sess *melody.Session, msg []byte) {
	var in event
	if err := json.Unmarshal(msg, &in); err != nil {
		s.log.Debug("invalid message", zap.Error(err))
		return
	}
	s.messages.Add(1)

	// room and sender come from the handshake, not the payload
	in.Room = getString(sess, "room")
	in.Sender = getString(sess, "username")
	if in.Type == "" {
		in.Type = "message"
	}

	if d := s.cfg.Delay; d > 0 {
		time.Sleep(d/2 + time.Duration(rand.Int63n(int64(d))))
	}
	s.broadcast(sess, in)
}

// broadcast sends ev to everyone in the sender's room, sender included.
func (s *Server) broadcast(from *melody.Session, ev event) {
	if ev.SendAt == 0 {
		ev.SendAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	room := getString(from, "room")
	_ = s.melody.BroadcastFilter(data, func(q *melody.Session) bool {
		r, ok := q.Get("room")
		return ok && r == room
	})
}

// Stats returns (accepted, rejected, messages).
func (s *Server) Stats() (int64, int64, int64) {
	return s.accepted.Load(), s.rejected.Load(), s.messages.Load()
}

// Close disconnects every session.
func (s *Server) Close() error {
	return s.melody.Close()
}

func getString(sess *melody.Session, key string) string {
	v, ok := sess.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Start serves the broadcaster on cfg.Port in the background.
func Start(cfg ServerConfig) (*http.Server, *Server) {
	s := New(cfg)
	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Printf("👻 Dummy Server running on ws://localhost%s/ws\n", addr)
	fmt.Printf("   Delay: %s | Reject ratio: %.2f | Presence: %v\n", cfg.Delay, cfg.RejectRatio, cfg.Presence)

	server := &http.Server{
		Addr:    addr,
		Handler: s,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("dummy server failed", zap.Error(err))
		}
	}()
	return server, s
}
