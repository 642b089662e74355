package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/middleware"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 10 << 20

// chatRequest is the OpenAI-compatible inbound request shape. Stop may
// be a string or an array on the wire.
type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []core.Message  `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	TopP        float64         `json:"top_p"`
	Stop        json.RawMessage `json:"stop"`
	Stream      bool            `json:"stream"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *core.Usage  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      core.Message `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type errorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestID(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, requestID, "", core.NewError(core.KindUpstream, "", "failed to read request body", err))
		return
	}

	var inbound chatRequest
	if err := json.Unmarshal(body, &inbound); err != nil {
		s.writeClientError(w, requestID, "request body is not valid JSON")
		return
	}

	if inbound.Model == "" {
		s.writeClientError(w, requestID, "model is required")
		return
	}

	if len(inbound.Messages) == 0 {
		s.writeClientError(w, requestID, "messages must not be empty")
		return
	}

	req := &core.Request{
		RequestID: requestID,
		Model:     inbound.Model,
		Messages:  inbound.Messages,
		Parameters: core.Parameters{
			Temperature: inbound.Temperature,
			MaxTokens:   inbound.MaxTokens,
			TopP:        inbound.TopP,
			Stop:        parseStop(inbound.Stop),
		},
		Stream:  inbound.Stream,
		RawBody: body,
		Headers: r.Header,
	}

	if inbound.Stream {
		chunks, provider, err := s.dispatcher.InvokeStream(r.Context(), req)
		if err != nil {
			s.writeError(w, requestID, provider, err)
			return
		}

		s.pipeline.Serve(w, req, provider, chunks)

		return
	}

	result, err := s.dispatcher.Invoke(r.Context(), req)
	if err != nil {
		s.writeError(w, requestID, "", err)
		return
	}

	resp := chatResponse{
		ID:      result.ID,
		Object:  "chat.completion",
		Created: result.Created,
		Model:   result.Model,
		Choices: []chatChoice{{
			Message:      core.Message{Role: result.Role, Content: result.Content},
			FinishReason: result.FinishReason,
		}},
	}

	if result.Usage.Known {
		usage := result.Usage
		resp.Usage = &usage
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.registry.Models()

	list := modelList{Object: "list", Data: make([]modelInfo, 0, len(models))}

	for _, id := range models {
		list.Data = append(list.Data, modelInfo{ID: id, Object: "model", OwnedBy: "modelrelay"})
	}

	s.writeJSON(w, http.StatusOK, list)
}

// handleHealth reports gateway liveness and per-provider health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.monitor.All()

	type providerHealth struct {
		State               core.HealthState `json:"state"`
		ConsecutiveFailures int              `json:"consecutive_failures"`
		LastCheck           time.Time        `json:"last_check"`
		LastSuccess         time.Time        `json:"last_success,omitzero"`
	}

	overall := "ok"
	providers := make(map[string]providerHealth, len(statuses))

	routable := 0

	for slug, status := range statuses {
		providers[slug] = providerHealth{
			State:               status.State,
			ConsecutiveFailures: status.ConsecutiveFailures,
			LastCheck:           status.LastCheck,
			LastSuccess:         status.LastSuccess,
		}

		if status.State.Routable() {
			routable++
		}
	}

	if len(statuses) > 0 && routable == 0 {
		overall = "unhealthy"
	} else if routable < len(statuses) {
		overall = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC(),
		"providers": providers,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps a dispatch error onto a sanitized client response.
func (s *Server) writeError(w http.ResponseWriter, requestID, provider string, err error) {
	kind := core.KindOf(err)

	var resp errorResponse
	resp.Error.Message = core.SanitizedMessage(kind)
	resp.Error.Type = string(kind)
	resp.Error.RequestID = requestID

	s.writeJSON(w, statusFor(kind), resp)
}

// writeClientError reports a request-shape problem before dispatch.
func (s *Server) writeClientError(w http.ResponseWriter, requestID, message string) {
	var resp errorResponse
	resp.Error.Message = message
	resp.Error.Type = "invalid_request_error"
	resp.Error.RequestID = requestID

	s.writeJSON(w, http.StatusBadRequest, resp)
}

func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindAllProvidersUnhealthy:
		return http.StatusServiceUnavailable
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindOverloaded:
		return http.StatusTooManyRequests
	case core.KindCancelled:
		return 499
	case core.KindConfigurationInvalid:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// parseStop accepts the OpenAI stop field as either a single string or
// an array of strings.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}

		return []string{one}
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}

	return nil
}
