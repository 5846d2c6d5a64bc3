package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/cloudwego/eino/schema"

	chatservice "github.com/careline-health/careline/internal/service/chat"
	"github.com/careline-health/careline/pkg/utils"
)

// Handler streams chat replies over Server-Sent Events.
type Handler struct {
	engine *chatservice.Service
	// streamResponse selects incremental delivery; when off, the turn runs
	// synchronously and arrives as a single message event.
	streamResponse bool
}

// New creates the stream handler.
func New(engine *chatservice.Service, streamResponse bool) *Handler {
	return &Handler{engine: engine, streamResponse: streamResponse}
}

// StreamResponse is one SSE frame.
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleStreamRequest runs one streaming chat turn for a session. Chunks go
// out as "delta" events; the concatenated reply is persisted and repeated as
// a final "message" event.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID, userMessage string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	utils.SetupSSEHeaders(w)

	if !h.streamResponse {
		return h.handleSynchronousTurn(ctx, w, flusher, sessionID, userMessage)
	}

	stream, err := h.engine.StreamMessage(ctx, sessionID, userMessage)
	if err != nil {
		h.sendSSEError(w, flusher, "failed to start generation")
		return err
	}
	defer stream.Close()

	h.sendSSE(w, flusher, StreamResponse{Event: "start", SessionID: sessionID})

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			h.sendSSEError(w, flusher, "generation interrupted")
			return recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			h.sendSSE(w, flusher, StreamResponse{
				Event:     "delta",
				SessionID: sessionID,
				Content:   chunk.Content,
			})
		}
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		h.sendSSEError(w, flusher, "failed to assemble response")
		return err
	}

	if _, err := h.engine.FinishStreamedMessage(ctx, sessionID, response.Content); err != nil {
		log.Printf("[stream] failed to persist assistant message: %v", err)
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   response.Content,
	})
	h.sendSSE(w, flusher, StreamResponse{
		Event:     "end",
		SessionID: sessionID,
		Finished:  true,
	})

	log.Printf("[stream] completed response for session=%s", sessionID)
	return nil
}

// handleSynchronousTurn runs the turn without incremental delivery and sends
// the full reply as one message event, keeping the event protocol identical
// for consumers.
func (h *Handler) handleSynchronousTurn(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID, userMessage string) error {
	h.sendSSE(w, flusher, StreamResponse{Event: "start", SessionID: sessionID})

	reply, err := h.engine.SendMessage(ctx, sessionID, userMessage)
	if err != nil {
		h.sendSSEError(w, flusher, "failed to generate response")
		return err
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   reply.Content,
	})
	h.sendSSE(w, flusher, StreamResponse{
		Event:     "end",
		SessionID: sessionID,
		Finished:  true,
	})

	log.Printf("[stream] completed synchronous response for session=%s", sessionID)
	return nil
}

func (h *Handler) sendSSE(w http.ResponseWriter, flusher http.Flusher, response StreamResponse) {
	utils.SendSSEChunk(w, flusher, response)
}

func (h *Handler) sendSSEError(w http.ResponseWriter, flusher http.Flusher, errorMsg string) {
	h.sendSSE(w, flusher, StreamResponse{Event: "error", Error: errorMsg})
}
