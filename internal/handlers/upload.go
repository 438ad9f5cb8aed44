package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/blobstore"
	"github.com/AnshRaj112/hams-diary/internal/models"
)

const maxUploadSize = 10 << 20 // 10MB

type UploadResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Blob    *models.BlobRef `json:"blob,omitempty"`
}

// UploadImage stores one multipart "file" under the diary it belongs to and
// returns the reference the client puts in the record.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	if h.blobs == nil {
		writeMessage(w, http.StatusServiceUnavailable, "File uploads are not configured")
		return
	}
	diaryID := strings.TrimSpace(r.URL.Query().Get("diaryId"))
	if diaryID == "" || strings.Contains(diaryID, "/") {
		writeMessage(w, http.StatusBadRequest, "diaryId is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeMessage(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Failed to read file")
		return
	}
	if len(data) > maxUploadSize {
		writeMessage(w, http.StatusRequestEntityTooLarge, "File is larger than 10MB")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	path := blobstore.UploadPath(ownerID, diaryID, header.Filename, time.Now())
	ref, err := h.blobs.Put(r.Context(), path, data, contentType)
	if err != nil {
		h.log.Error("upload failed", zap.String("owner", ownerID), zap.String("path", path), zap.Error(err))
		writeMessage(w, http.StatusBadGateway, "Failed to upload file")
		return
	}
	if ref.Name == "" {
		ref.Name = header.Filename
	}
	writeJSON(w, http.StatusOK, UploadResponse{Success: true, Message: "File uploaded successfully", Blob: &ref})
}
