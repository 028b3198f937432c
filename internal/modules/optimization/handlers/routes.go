package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the optimization routes on r. The server mounts
// them both under /api and at the root.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/optimize", h.HandleOptimize)
	r.Post("/generate", h.HandleGenerate)
	r.Get("/generate/{jobId}", h.HandleGetJob)
}
