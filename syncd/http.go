package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/ledger"
	"github.com/hazyhaar/sourcesync/observability"
	"github.com/hazyhaar/sourcesync/pipeline"
	"github.com/hazyhaar/sourcesync/shield"
	"github.com/hazyhaar/sourcesync/source"
	"github.com/hazyhaar/sourcesync/syncer"
)

const wsWriteTimeout = 5 * time.Second

// ManualRequest is the wire form of a manual payload. Payload is the raw
// page body as text.
type ManualRequest struct {
	URL        string    `json:"url"`
	Secondary  string    `json:"secondary,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Payload    string    `json:"payload"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

func (m ManualRequest) payload() (pipeline.ManualPayload, error) {
	if m.URL == "" {
		return pipeline.ManualPayload{}, errors.New("url required")
	}
	if m.Payload == "" {
		return pipeline.ManualPayload{}, errors.New("payload required")
	}
	return pipeline.ManualPayload{
		Key:        source.Key{URL: m.URL, Secondary: m.Secondary},
		AccountID:  m.AccountID,
		Payload:    []byte(m.Payload),
		CapturedAt: m.CapturedAt,
	}, nil
}

// ProgressMessage is one WebSocket frame of a progress stream. The first
// frame of an account stream is a state snapshot.
type ProgressMessage struct {
	Type  string            `json:"type"` // "state" or "event"
	State *syncer.SyncState `json:"state,omitempty"`
	Event *syncer.Event     `json:"event,omitempty"`
}

// Handler returns the HTTP API. Asynchronous syncs started over HTTP run
// under base and stop when it is cancelled.
func (s *Service) Handler(base context.Context) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.logger) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	})

	mcpSrv := s.NewMCPServer()
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	r.Route("/api/accounts", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			type view struct {
				source.Account
				State   *syncer.SyncState `json:"state"`
				Running bool              `json:"running"`
			}
			var out []view
			for _, a := range s.Accounts() {
				st, err := s.State(r.Context(), a.ID)
				if err != nil {
					s.writeErr(w, r, err)
					return
				}
				out = append(out, view{Account: a, State: st, Running: s.Running(a.ID)})
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
				s.handleSync(base, w, r)
			})
			r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
				active, err := s.Cancel(chi.URLParam(r, "id"))
				if err != nil {
					s.writeErr(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]bool{"cancelled": active})
			})
			r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
				st, err := s.State(r.Context(), chi.URLParam(r, "id"))
				if err != nil {
					s.writeErr(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, st)
			})
			r.Get("/items", func(w http.ResponseWriter, r *http.Request) {
				items, err := s.Items(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
				if err != nil {
					s.writeErr(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, items)
			})
			r.Get("/progress", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				if _, err := s.Account(id); err != nil {
					s.writeErr(w, r, err)
					return
				}
				s.streamProgress(w, r, id)
			})
		})
	})

	r.Get("/api/progress", func(w http.ResponseWriter, r *http.Request) {
		s.streamProgress(w, r, "")
	})

	r.Get("/api/attempts", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		since, err := querySince(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		attempts, err := s.Attempts(r.Context(), ledger.Filter{
			URL:       q.Get("url"),
			AccountID: q.Get("account"),
			Status:    ledger.Status(q.Get("status")),
			Category:  errclass.Category(q.Get("category")),
			Since:     since,
			Limit:     queryInt(r, "limit", 100),
		})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, attempts)
	})

	r.Get("/api/attempts/categories", func(w http.ResponseWriter, r *http.Request) {
		since, err := querySince(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		counts, err := s.CategoryCounts(r.Context(), since)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	})

	r.Get("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		since, err := querySince(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f := observability.Filter{Name: r.URL.Query().Get("name"), Since: since, Limit: queryInt(r, "limit", 100)}
		if a := r.URL.Query().Get("account"); a != "" {
			f.Labels = map[string]string{"account_id": a}
		}
		points, err := s.Metrics(r.Context(), f)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, points)
	})

	r.Get("/api/structures", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Structures(r.Context(), queryInt(r, "top", 20))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Route("/api/cache", func(r chi.Router) {
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := s.CacheStats(r.Context())
			if err != nil {
				s.writeErr(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})
		r.Post("/manual", func(w http.ResponseWriter, r *http.Request) {
			var req ManualRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			m, err := req.payload()
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			out, err := s.RecordManual(r.Context(), m)
			switch {
			case err == nil:
			case out != nil && out.Category == errclass.ParseError:
				// Stored and audited; only the parse failed.
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "outcome": out})
				return
			default:
				s.writeErr(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, out)
		})
		r.Post("/bulk", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Items []ManualRequest `json:"items"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			items := make([]pipeline.ManualPayload, 0, len(req.Items))
			for i, it := range req.Items {
				m, err := it.payload()
				if err != nil {
					writeError(w, http.StatusBadRequest, fmt.Errorf("items[%d]: %w", i, err))
					return
				}
				items = append(items, m)
			}
			res, err := s.ImportBulk(r.Context(), items)
			if err != nil {
				s.writeErr(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})
	})

	return r
}

// handleSync starts a sync. With wait=true it blocks and returns the result;
// otherwise it answers 202 and the run continues under base.
func (s *Service) handleSync(base context.Context, w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Account(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	mode := syncer.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = syncer.ModeIncremental
	}
	if mode != syncer.ModeIncremental && mode != syncer.ModeFull {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", mode))
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		res, err := s.Sync(r.Context(), id, mode, source.TriggerManual)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if s.Running(id) {
		s.writeErr(w, r, syncer.ErrSyncInProgress)
		return
	}
	logger := shield.GetLogger(r.Context())
	go func() {
		res, err := s.Sync(base, id, mode, source.TriggerManual)
		if err != nil {
			logger.Warn("syncd: background sync", "account", id, "error", err)
			return
		}
		logger.Info("syncd: background sync done", "account", id, "status", res.Status)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"account_id": id, "mode": string(mode)})
}

// streamProgress relays bus events over a WebSocket until the client goes
// away. accountID "" streams every account. With until=done the stream
// closes after the first terminal event.
func (s *Service) streamProgress(w http.ResponseWriter, r *http.Request, accountID string) {
	logger := shield.GetLogger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		logger.Warn("syncd: websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	// Subscribe before the snapshot so no transition falls between them.
	sub := s.Bus().Subscribe(accountID, 64)
	defer sub.Close()
	ctx := conn.CloseRead(r.Context())
	untilDone := r.URL.Query().Get("until") == "done"

	if accountID != "" {
		st, err := s.State(ctx, accountID)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "state unavailable")
			return
		}
		if err := writeFrame(ctx, conn, ProgressMessage{Type: "state", State: st}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-sub.C:
			if err := writeFrame(ctx, conn, ProgressMessage{Type: "event", Event: &ev}); err != nil {
				logger.Debug("syncd: websocket write", "error", err)
				return
			}
			if untilDone && ev.Status.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, m ProgressMessage) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}

func (s *Service) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnknownAccount):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, syncer.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err)
	default:
		shield.GetLogger(r.Context()).Error("syncd: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// querySince parses ?since= as RFC 3339 or a Go duration back from now.
func querySince(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since: want RFC 3339 or a duration, got %q", v)
	}
	return t, nil
}
