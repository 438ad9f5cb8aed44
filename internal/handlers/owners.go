package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/AnshRaj112/hams-diary/internal/models"
	"github.com/AnshRaj112/hams-diary/internal/services"
)

type OwnerResponse struct {
	Success bool          `json:"success"`
	Owner   *models.Owner `json:"owner"`
}

// EnsureMe records the profile the client knows about the signed-in owner
// and stamps the login time.
func (h *Handler) EnsureMe(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	if h.owners == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Owner directory is not configured")
		return
	}
	var p services.OwnerProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p.OwnerID = ownerID
	o, err := h.owners.EnsureOwner(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OwnerResponse{Success: true, Owner: o})
}
