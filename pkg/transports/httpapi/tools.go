package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/mcp"
)

type executeRequest struct {
	ToolName  string         `json:"toolName" validate:"required"`
	Server    string         `json:"server"`
	Arguments map[string]any `json:"arguments" validate:"required"`
}

type executeResponse struct {
	Status   llm.ResultStatus `json:"status"`
	ToolName string           `json:"toolName"`
	Server   string           `json:"server,omitempty"`
	Data     any              `json:"data,omitempty"`
	Message  string           `json:"message,omitempty"`
	Kind     string           `json:"kind,omitempty"`
}

// handleExecute runs one tool outside any conversation. The registry lives
// only for this request.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := s.decode(w, r, &req); err != nil {
		if errorsx.HasReason(err, errorsx.ReasonInvalidRequest) {
			s.log.Debug("tool_execute_rejected", "error", err)
			err = errorsx.New(errorsx.ReasonInvalidRequest, "Missing tool name or arguments")
		}
		writeError(w, err)
		return
	}
	ctx, end, err := s.begin(r.Context(), uuid.NewString())
	if err != nil {
		writeDraining(w, err)
		return
	}
	defer end()

	var reg *mcp.Registry
	if req.Server != "" {
		reg, err = s.deps.Source.AcquireOne(ctx, req.Server)
	} else {
		reg, err = s.deps.Source.Acquire(ctx)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errorsx.HasReason(err, errorsx.ReasonInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, executeResponse{
			Status:   llm.StatusError,
			ToolName: req.ToolName,
			Server:   req.Server,
			Message:  err.Error(),
			Kind:     string(errorsx.Reason(err)),
		})
		return
	}
	defer func() {
		if err := reg.Close(); err != nil {
			s.log.Warn("registry_close_error", "error", err)
		}
	}()

	res := s.deps.Invoker.Invoke(ctx, reg, llm.ToolCall{
		ID:        uuid.NewString(),
		Name:      req.ToolName,
		Server:    req.Server,
		Arguments: req.Arguments,
	})
	server := req.Server
	if server == "" {
		server = res.Server
	}
	if !res.OK() {
		writeJSON(w, http.StatusInternalServerError, executeResponse{
			Status:   llm.StatusError,
			ToolName: req.ToolName,
			Server:   server,
			Message:  res.Message,
			Kind:     res.Reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Status:   llm.StatusOK,
		ToolName: req.ToolName,
		Server:   server,
		Data:     res.Data,
	})
}
