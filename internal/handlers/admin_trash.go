package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/services"
)

type ScanResponse struct {
	Success bool                    `json:"success"`
	Cutoff  time.Time               `json:"cutoff"`
	Owners  []services.OwnerSummary `json:"owners"`
}

type PurgeOwnerResponse struct {
	Success bool `json:"success"`
	services.OwnerOutcome
}

type PurgeAllRequest struct {
	Owners      []services.PurgeTarget `json:"owners"`
	Concurrency int                    `json:"concurrency,omitempty"`
}

type PurgeAllResponse struct {
	Success bool `json:"success"`
	*services.BatchResult
}

// ScanExpired reports which owners have trash past the retention window.
func (h *Handler) ScanExpired(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = h.scanLimit
	}
	report, err := h.scanner.Scan(r.Context(), h.retention, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScanResponse{Success: true, Cutoff: report.Cutoff, Owners: report.Owners})
}

// PurgeOwner purges one owner's expired trash. When only some records
// failed the counts of the rest are still returned, with ok=false.
func (h *Handler) PurgeOwner(w http.ResponseWriter, r *http.Request) {
	res, err := h.purge.PurgeExpired(r.Context(), chi.URLParam(r, "ownerId"), h.retention, h.ownerLimit)
	var partial *services.PartialPurgeError
	if err != nil && !errors.As(err, &partial) {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		h.log.Warn("owner purge incomplete", zap.String("owner", res.OwnerID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, PurgeOwnerResponse{Success: err == nil, OwnerOutcome: services.NewOwnerOutcome(res, err)})
}

// targets returns the requested owners, or every owner with expired trash
// when none were named.
func (h *Handler) targets(ctx context.Context, requested []services.PurgeTarget) ([]services.PurgeTarget, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	report, err := h.scanner.Scan(ctx, h.retention, h.scanLimit)
	if err != nil {
		return nil, err
	}
	out := make([]services.PurgeTarget, len(report.Owners))
	for i, o := range report.Owners {
		out[i] = services.PurgeTarget{OwnerID: o.OwnerID, Count: o.Count}
	}
	return out, nil
}

func (h *Handler) purgeOptions(concurrency int) services.PurgeOptions {
	if concurrency <= 0 {
		concurrency = h.purgeConcurrency
	}
	return services.PurgeOptions{Concurrency: concurrency, Retention: h.retention, Limit: h.ownerLimit}
}

// PurgeAll purges several owners and reports each one.
func (h *Handler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	var req PurgeAllRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	targets, err := h.targets(r.Context(), req.Owners)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	batch := h.purge.PurgeAll(r.Context(), targets, h.purgeOptions(req.Concurrency))
	writeJSON(w, http.StatusOK, PurgeAllResponse{Success: true, BatchResult: batch})
}

var purgeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Admin auth runs before the upgrade; origins are checked by CORS.
		return true
	},
}

// PurgeStreamFrame is one frame of the purge stream: a "result" per finished
// owner, then a single "done" or "error".
type PurgeStreamFrame struct {
	Type    string                 `json:"type"`
	Result  *services.OwnerOutcome `json:"result,omitempty"`
	Summary *services.BatchResult  `json:"summary,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// PurgeStream runs PurgeAll over a websocket. The client sends one
// PurgeAllRequest and receives a frame per owner as it finishes. Closing
// the socket stops owners that have not started yet.
func (h *Handler) PurgeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := purgeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var req PurgeAllRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(PurgeStreamFrame{Type: "error", Error: "expected a purge request"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Any read error, including a close frame, means the client left.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	targets, err := h.targets(ctx, req.Owners)
	if err != nil {
		h.log.Error("purge stream scan failed", zap.Error(err))
		_ = conn.WriteJSON(PurgeStreamFrame{Type: "error", Error: err.Error()})
		return
	}

	var writeMu sync.Mutex
	send := func(f PurgeStreamFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(f); err != nil {
			cancel()
		}
	}

	opts := h.purgeOptions(req.Concurrency)
	opts.OnResult = func(o services.OwnerOutcome) {
		send(PurgeStreamFrame{Type: "result", Result: &o})
	}
	batch := h.purge.PurgeAll(ctx, targets, opts)
	send(PurgeStreamFrame{Type: "done", Summary: batch})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
