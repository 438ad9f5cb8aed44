package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AnshRaj112/hams-diary/internal/models"
	"github.com/AnshRaj112/hams-diary/internal/services"
)

type CreateDiaryResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

type DiaryResponse struct {
	Success bool                `json:"success"`
	Diary   *models.DiaryRecord `json:"diary"`
}

type DiaryPageResponse struct {
	Success bool                  `json:"success"`
	Diaries []*models.DiaryRecord `json:"diaries"`
	Next    string                `json:"next,omitempty"`
}

type CalendarResponse struct {
	Success bool                  `json:"success"`
	Month   string                `json:"month"`
	Days    []models.DayAggregate `json:"days"`
}

func writePage(w http.ResponseWriter, page *services.RecordPage) {
	writeJSON(w, http.StatusOK, DiaryPageResponse{Success: true, Diaries: page.Items, Next: page.Next})
}

// CreateDiary files a new record for the signed-in owner.
func (h *Handler) CreateDiary(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	var req services.CreateDiaryInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id, err := h.diaries.Create(r.Context(), ownerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateDiaryResponse{Success: true, Message: "Diary created", ID: id})
}

func (h *Handler) ListDiaries(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	page, err := h.views.List(r.Context(), ownerID, queryInt(r, "limit"), r.URL.Query().Get("after"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePage(w, page)
}

func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	page, err := h.views.Timeline(r.Context(), ownerID, queryInt(r, "limit"), r.URL.Query().Get("after"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePage(w, page)
}

func (h *Handler) Favorites(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	page, err := h.views.Favorites(r.Context(), ownerID, queryInt(r, "limit"), r.URL.Query().Get("after"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePage(w, page)
}

// Calendar returns the day aggregates of one YYYY-MM month.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	month := chi.URLParam(r, "month")
	days, err := h.views.MonthCalendar(r.Context(), ownerID, month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CalendarResponse{Success: true, Month: month, Days: days})
}

func (h *Handler) ByDate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	page, err := h.views.ByDate(r.Context(), ownerID, chi.URLParam(r, "day"), queryInt(r, "limit"), r.URL.Query().Get("after"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePage(w, page)
}

func (h *Handler) GetDiary(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	rec, err := h.views.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DiaryResponse{Success: true, Diary: rec})
}

// UpdateDiary applies a merge patch. Fields left out of the body are kept.
func (h *Handler) UpdateDiary(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	var patch services.DiaryPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.diaries.Update(r.Context(), ownerID, chi.URLParam(r, "id"), patch); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Diary updated")
}

// DeleteDiary moves a record to the trash. With ?hard=true it is removed
// outright together with its images, same as DeleteForever.
func (h *Handler) DeleteDiary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("hard") == "true" {
		h.DeleteForever(w, r)
		return
	}
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.diaries.SoftDelete(r.Context(), ownerID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Diary moved to trash")
}
