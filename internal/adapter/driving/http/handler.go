package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

type Handler struct {
	Hub            *ws.Hub
	Auth           *Auth
	AllowedOrigins []string
}

func NewHandler(hub *ws.Hub, auth *Auth, allowedOrigins []string) *Handler {
	return &Handler{
		Hub:            hub,
		Auth:           auth,
		AllowedOrigins: allowedOrigins,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.Health)

	c := cors.New(cors.Options{
		AllowedOrigins:   h.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": h.Hub.Count(),
	})
}
