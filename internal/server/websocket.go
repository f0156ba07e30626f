// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Dropicx/docworker-sub003/internal/database"
)

const (
	progressPollInterval = time.Second
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = (pongWait * 9) / 10
)

// newUpgrader creates a WebSocket upgrader that respects the configured allowed
// origins. When allowedOrigins is empty the upgrader accepts any origin
// (localhost development mode). When set, only those origins are permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// ProgressUpdate is one websocket frame pushed to a watching client.
type ProgressUpdate struct {
	ProcessingID    string `json:"processing_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// WatchDocument handles GET /ws/documents/{pid}. The connection polls job
// state and pushes an update whenever status or progress changes; it closes
// after pushing the terminal state.
func (h *Handlers) WatchDocument(allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		processingID := chi.URLParam(r, "pid")

		// Reject unknown jobs before upgrading.
		if _, err := h.jobs.Status(r.Context(), processingID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		// Drain client frames so pong handling works and closed connections
		// are noticed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		poll := time.NewTicker(progressPollInterval)
		defer poll.Stop()
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		var last ProgressUpdate
		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-poll.C:
				job, err := h.jobs.Status(r.Context(), processingID)
				if err != nil {
					getLog().Warn().Err(err).Str("processing_id", processingID).Msg("Progress poll failed")
					return
				}

				update := ProgressUpdate{
					ProcessingID:    job.ProcessingID,
					Status:          string(job.Status),
					ProgressPercent: job.ProgressPercent,
					ErrorMessage:    job.ErrorMessage,
				}
				if update == last {
					continue
				}
				last = update

				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(update); err != nil {
					return
				}

				if job.Status.IsTerminal() {
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
					return
				}
			}
		}
	}
}
