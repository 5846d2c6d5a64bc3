package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careline-health/careline/internal/service/ai"
	chatservice "github.com/careline-health/careline/internal/service/chat"
	"github.com/careline-health/careline/internal/store"
	"github.com/careline-health/careline/pkg/utils"
)

// Handler serves the JSON session API.
type Handler struct {
	engine *chatservice.Service
}

// New creates the chat handler.
func New(engine *chatservice.Service) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleStartSession)
	r.Post("/sessions/{sessionID}/chat", h.handleChat)
	r.Post("/sessions/{sessionID}/educational", h.handleGenerateEducational)
	r.Get("/sessions/{sessionID}/messages", h.handleListMessages)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	r.Get("/users/{userID}/sessions", h.handleListSessions)
	r.Get("/users/{userID}/conditions", h.handleListConditions)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID                 string          `json:"user_id"`
		ConditionName          string          `json:"condition_name"`
		PatientData            json.RawMessage `json:"patient_data"`
		GenerateInitialContent bool            `json:"generate_initial_content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.UserID == "" || payload.ConditionName == "" {
		utils.RespondError(w, http.StatusBadRequest, "user_id and condition_name are required")
		return
	}

	result, err := h.engine.StartSession(r.Context(), payload.UserID, payload.ConditionName,
		payload.PatientData, payload.GenerateInitialContent)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	resp := map[string]any{
		"session":         result.Session,
		"initial_message": nil,
	}
	if result.Opening != nil {
		resp["initial_message"] = result.Opening.Content
	}
	utils.RespondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Question == "" {
		utils.RespondError(w, http.StatusBadRequest, "question is required")
		return
	}

	reply, err := h.engine.SendMessage(r.Context(), sessionID, payload.Question)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"answer": reply.Content, "message": reply})
}

func (h *Handler) handleGenerateEducational(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		ConditionName string          `json:"condition_name"`
		ConditionData json.RawMessage `json:"condition_data"`
	}
	// An empty body means "use the session's stored condition".
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.engine.GenerateContent(r.Context(), sessionID, payload.ConditionName, payload.ConditionData)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.engine.ListMessages(r.Context(), sessionID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.engine.DeleteSession(r.Context(), sessionID); err != nil {
		respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	conditionID := r.URL.Query().Get("condition_id")

	sessions, err := h.engine.ListSessions(r.Context(), userID, conditionID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleListConditions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	conditions, err := h.engine.ListConditions(r.Context(), userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"conditions": conditions})
}

// respondEngineError maps engine failures to HTTP statuses: permanent lookup
// failures are 4xx so the caller re-prompts, transient backend failures are
// 5xx so the caller retries.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatservice.ErrInvalidInput):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatservice.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "referenced record not found")
	case errors.Is(err, ai.ErrGenerationTimeout):
		utils.RespondError(w, http.StatusGatewayTimeout, "generation timed out, please retry")
	case errors.Is(err, ai.ErrGeneration):
		utils.RespondError(w, http.StatusBadGateway, "generation backend failed, please retry")
	case errors.Is(err, store.ErrUnavailable):
		utils.RespondError(w, http.StatusServiceUnavailable, "storage unavailable, please retry")
	default:
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
