package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/blobstore"
	"github.com/AnshRaj112/hams-diary/internal/middleware"
	"github.com/AnshRaj112/hams-diary/internal/services"
)

// Handler serves the diary API. Every route except health and the admin
// routes expects RequireOwner in front of it.
type Handler struct {
	diaries *services.DiaryService
	views   *services.ViewService
	scanner *services.TrashScanner
	purge   *services.PurgeService
	owners  services.OwnerDirectory
	blobs   blobstore.Store
	log     *zap.Logger

	retention        time.Duration
	scanLimit        int
	ownerLimit       int
	purgeConcurrency int
}

type Deps struct {
	Diaries *services.DiaryService
	Views   *services.ViewService
	Scanner *services.TrashScanner
	Purge   *services.PurgeService
	Owners  services.OwnerDirectory
	Blobs   blobstore.Store
	Log     *zap.Logger

	Retention        time.Duration
	ScanLimit        int
	OwnerLimit       int
	PurgeConcurrency int
}

func New(d Deps) *Handler {
	return &Handler{
		diaries:          d.Diaries,
		views:            d.Views,
		scanner:          d.Scanner,
		purge:            d.Purge,
		owners:           d.Owners,
		blobs:            d.Blobs,
		log:              d.Log,
		retention:        d.Retention,
		scanLimit:        d.ScanLimit,
		ownerLimit:       d.OwnerLimit,
		purgeConcurrency: d.PurgeConcurrency,
	}
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: status < 400, Message: message})
}

// statusFor maps the service error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		message = "Internal server error"
	case http.StatusServiceUnavailable:
		h.log.Warn("request contended", zap.String("path", r.URL.Path), zap.Error(err))
		message = "Please try again"
	}
	writeMessage(w, status, message)
}

// owner returns the authenticated owner id or writes 401.
func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.OwnerID(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Authentication required")
	}
	return id, ok
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// Health is the liveness probe.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}
