package handler

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chatHandler "github.com/careline-health/careline/internal/handler/chat"
	streamHandler "github.com/careline-health/careline/internal/handler/stream"
	middlewarePkg "github.com/careline-health/careline/internal/middleware"
	chatservice "github.com/careline-health/careline/internal/service/chat"
	"github.com/careline-health/careline/pkg/utils"
)

// NewRouter wires HTTP routes to the session engine.
func NewRouter(engine *chatservice.Service, modelLoaded, streamResponse bool) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"model_loaded": modelLoaded,
		})
	})

	sessions := chatHandler.New(engine)
	streaming := streamHandler.New(engine, streamResponse)

	r.Route("/api", func(api chi.Router) {
		sessions.RegisterRoutes(api)

		api.Get("/sessions/{sessionID}/stream", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "sessionID")
			userMessage := r.URL.Query().Get("message")

			if userMessage == "" {
				utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
				return
			}

			if err := streaming.HandleStreamRequest(r.Context(), w, sessionID, userMessage); err != nil {
				log.Printf("[stream] error handling request: %v", err)
			}
		})
	})

	return r
}
