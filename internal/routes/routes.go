package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AnshRaj112/hams-diary/internal/handlers"
	"github.com/AnshRaj112/hams-diary/internal/middleware"
)

// Guards are the authentication middlewares for the two kinds of caller.
type Guards struct {
	Owner func(http.Handler) http.Handler
	Admin func(http.Handler) http.Handler
}

func SetupRoutes(r chi.Router, h *handlers.Handler, g Guards) {
	// Health check (no auth)
	r.Get("/health", handlers.Health)

	// Owner routes
	r.Group(func(r chi.Router) {
		r.Use(g.Owner)

		r.Put("/api/owners/me", h.EnsureMe)

		r.Route("/api/diaries", func(r chi.Router) {
			r.Post("/", h.CreateDiary)
			r.Get("/", h.ListDiaries)
			r.Get("/timeline", h.Timeline)
			r.Get("/favorites", h.Favorites)
			r.Get("/calendar/{month}", h.Calendar)
			r.Get("/date/{day}", h.ByDate)
			r.Get("/{id}", h.GetDiary)
			r.Patch("/{id}", h.UpdateDiary)
			r.Delete("/{id}", h.DeleteDiary)
		})

		// Trash
		r.Get("/api/trash", h.ListTrash)
		r.Post("/api/trash/{id}/restore", h.RestoreDiary)
		r.Delete("/api/trash/{id}", h.DeleteForever)

		// File upload routes
		r.With(middleware.UploadRateLimit).Post("/api/uploads", h.UploadImage)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(g.Admin)

		r.Get("/api/admin/trash/expired", h.ScanExpired)
		r.Delete("/api/admin/trash/expired/{ownerId}", h.PurgeOwner)
		r.Post("/api/admin/trash/expired/purgeAll", h.PurgeAll)

		// WebSocket stream of a purge-all run
		r.Get("/ws/admin/trash/purge", h.PurgeStream)
	})
}
