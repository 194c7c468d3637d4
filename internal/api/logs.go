package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogs streams log lines as WebSocket text messages, or as chunked
// text/plain for plain HTTP clients. ?level=warn drops lines below WARN.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log stream disabled")
		return
	}
	min := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		if err := min.UnmarshalText([]byte(v)); err != nil {
			writeError(w, http.StatusBadRequest, "invalid level: "+v)
			return
		}
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.streamWS(w, r, min)
		return
	}
	s.streamChunked(w, r, min)
}

func (s *APIServer) streamWS(w http.ResponseWriter, r *http.Request, min slog.Level) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Reads only notice the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.streamLogs(ctx, min, func(line []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, line)
	})
}

func (s *APIServer) streamChunked(w http.ResponseWriter, r *http.Request, min slog.Level) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.streamLogs(r.Context(), min, func(line []byte) error {
		if _, err := w.Write(line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// streamLogs feeds subscribed lines at or above min to send until ctx ends,
// send fails or the broadcaster closes the subscription.
func (s *APIServer) streamLogs(ctx context.Context, min slog.Level, send func([]byte) error) {
	ch := s.deps.Logs.Subscribe()
	defer s.deps.Logs.Unsubscribe(ch)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if lineLevel(line) < min {
				continue
			}
			if err := send(line); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// lineLevel reads the level= attribute of a text-handler line. Lines without
// one are treated as errors so they are never filtered out.
func lineLevel(line []byte) slog.Level {
	const key = "level="
	i := bytes.Index(line, []byte(key))
	if i < 0 {
		return slog.LevelError
	}
	v := line[i+len(key):]
	if j := bytes.IndexAny(v, " \n"); j >= 0 {
		v = v[:j]
	}
	var l slog.Level
	if err := l.UnmarshalText(v); err != nil {
		return slog.LevelError
	}
	return l
}
