package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AnshRaj112/hams-diary/internal/models"
	"github.com/AnshRaj112/hams-diary/internal/services"
)

type TrashResponse struct {
	Success bool                  `json:"success"`
	Diaries []*models.DiaryRecord `json:"diaries"`
}

type DeleteForeverResponse struct {
	Success bool `json:"success"`
	services.PurgeResult
}

func (h *Handler) ListTrash(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	recs, err := h.views.ListTrash(r.Context(), ownerID, queryInt(r, "take"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TrashResponse{Success: true, Diaries: recs})
}

func (h *Handler) RestoreDiary(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	if err := h.diaries.Restore(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Diary restored")
}

// DeleteForever removes a record and its images without waiting for the
// retention window.
func (h *Handler) DeleteForever(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	res, err := h.purge.DeleteForever(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteForeverResponse{Success: true, PurgeResult: res})
}
