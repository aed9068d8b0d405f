package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/orchestrator"
	"github.com/harunnryd/tala/pkg/session"
)

type conversationRequest struct {
	Messages []llm.Message `json:"messages" validate:"required,min=1,dive"`
}

type wireMessage struct {
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
}

type serverResponse struct {
	RunID         string           `json:"runId"`
	Text          string           `json:"text"`
	Speech        string           `json:"speech,omitempty"`
	ToolCalls     []llm.ToolCall   `json:"toolCalls"`
	Results       []llm.ToolResult `json:"results"`
	Turns         int              `json:"turns"`
	ToolPhases    int              `json:"toolPhases"`
	LimitExceeded bool             `json:"limitExceeded"`
}

type clientResponse struct {
	RunID         string         `json:"runId"`
	Text          string         `json:"text"`
	Speech        string         `json:"speech,omitempty"`
	Message       wireMessage    `json:"message"`
	ToolCalls     []llm.ToolCall `json:"toolCalls"`
	Done          bool           `json:"done"`
	Turns         int            `json:"turns"`
	ToolPhases    int            `json:"toolPhases"`
	LimitExceeded bool           `json:"limitExceeded"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	runID := uuid.NewString()
	ctx, end, err := s.begin(r.Context(), runID)
	if err != nil {
		writeDraining(w, err)
		return
	}
	defer end()

	if s.cfg.Mode == orchestrator.ModeClient {
		res, err := s.deps.Loop.Step(ctx, req.Messages, orchestrator.WithRunID(runID))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.clientBody(res))
		return
	}

	res, err := s.deps.Loop.Run(ctx, req.Messages, orchestrator.WithRunID(runID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.serverBody(res))
}

func (s *Server) begin(ctx context.Context, runID string) (context.Context, func(), error) {
	if s.draining.Load() {
		return nil, nil, session.ErrDraining
	}
	return s.deps.Sessions.Begin(ctx, runID, string(s.cfg.Mode))
}

func writeDraining(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrDraining) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: "draining"})
		return
	}
	writeError(w, err)
}

func (s *Server) serverBody(res orchestrator.Result) serverResponse {
	return serverResponse{
		RunID:         res.RunID,
		Text:          res.Text,
		Speech:        s.speak(res.Text),
		ToolCalls:     nonNilCalls(res.ToolCalls),
		Results:       nonNilResults(res.Results),
		Turns:         res.Turns,
		ToolPhases:    res.ToolPhases,
		LimitExceeded: res.LimitExceeded,
	}
}

func (s *Server) clientBody(res orchestrator.StepResult) clientResponse {
	body := clientResponse{
		RunID:         res.RunID,
		Text:          res.Text,
		Message:       wireMessage{Role: res.Message.Role, Content: res.Message.WireContent()},
		ToolCalls:     nonNilCalls(res.Pending),
		Done:          res.Done,
		Turns:         res.Turns,
		ToolPhases:    res.ToolPhases,
		LimitExceeded: res.LimitExceeded,
	}
	if res.Done {
		body.Speech = s.speak(res.Text)
	}
	return body
}

func (s *Server) speak(text string) string {
	if s.deps.Shaper == nil {
		return ""
	}
	return s.deps.Shaper.Prepare(text)
}

func nonNilCalls(calls []llm.ToolCall) []llm.ToolCall {
	if calls == nil {
		return []llm.ToolCall{}
	}
	return calls
}

func nonNilResults(results []llm.ToolResult) []llm.ToolResult {
	if results == nil {
		return []llm.ToolResult{}
	}
	return results
}
