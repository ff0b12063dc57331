package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mechx/internal/task"
)

const (
	defaultWatchInterval = time.Second
	watchWriteTimeout    = 5 * time.Second
)

// handleWatch streams a job over a websocket: the current state on connect,
// then every change until the job settles, after which the server closes
// the connection normally.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("watch upgrade failed", slog.String("task_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client sends nothing; reading surfaces its close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()
	var last *task.Task
	for {
		if changed(last, job) {
			if err := writeJob(conn, job); err != nil {
				return
			}
			last = job
		}
		if settled(job) {
			closeWatch(conn, websocket.CloseNormalClosure, string(job.Status))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if job, err = s.jobs.Get(ctx, id); err != nil {
			if ctx.Err() == nil {
				closeWatch(conn, websocket.CloseInternalServerErr, "job lookup failed")
			}
			return
		}
	}
}

func changed(prev, next *task.Task) bool {
	return prev == nil || prev.Status != next.Status || prev.Attempts != next.Attempts || prev.UpdatedAt != next.UpdatedAt
}

func settled(job *task.Task) bool {
	return job.Status == task.StatusSucceeded || (job.Status == task.StatusFailed && job.Attempts >= job.MaxRetries)
}

func writeJob(conn *websocket.Conn, job *task.Task) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func closeWatch(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
