package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/orchestrator"
)

// Stream event types.
const (
	EventState      = "state"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventFinal      = "final"
	EventError      = "error"
)

const (
	streamReadTimeout  = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

type streamEvent struct {
	Type          string           `json:"type"`
	RunID         string           `json:"runId,omitempty"`
	From          string           `json:"from,omitempty"`
	To            string           `json:"to,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Calls         []llm.ToolCall   `json:"calls,omitempty"`
	Results       []llm.ToolResult `json:"results,omitempty"`
	Text          string           `json:"text,omitempty"`
	Speech        string           `json:"speech,omitempty"`
	Turns         int              `json:"turns,omitempty"`
	ToolPhases    int              `json:"toolPhases,omitempty"`
	LimitExceeded bool             `json:"limitExceeded,omitempty"`
	Error         string           `json:"error,omitempty"`
	Kind          string           `json:"kind,omitempty"`
}

// streamWriter forwards run events to the socket. The loop calls listeners
// from the run goroutine only, so writes are never concurrent.
type streamWriter struct {
	conn  *websocket.Conn
	runID string
	s     *Server
}

func (sw *streamWriter) send(ev streamEvent) {
	ev.RunID = sw.runID
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = sw.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := sw.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		sw.s.log.Debug("stream_write_failed", "run_id", sw.runID, "error", err)
	}
}

func (sw *streamWriter) OnStateChange(ev orchestrator.StateChange) {
	sw.send(streamEvent{Type: EventState, From: ev.FromState.String(), To: ev.ToState.String(), Reason: ev.Reason})
}

func (sw *streamWriter) OnToolCalls(_ string, calls []llm.ToolCall) {
	sw.send(streamEvent{Type: EventToolCall, Calls: calls})
}

func (sw *streamWriter) OnToolResults(_ string, results []llm.ToolResult) {
	sw.send(streamEvent{Type: EventToolResult, Results: results})
}

// handleStream runs one server-resident conversation over a WebSocket.
// The client sends a single {messages} frame; closing the socket cancels
// the run.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server is draining", Kind: "draining"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	runID := uuid.NewString()
	sw := &streamWriter{conn: conn, runID: runID, s: s}

	var req conversationRequest
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		sw.send(errorEvent(errorsx.New(errorsx.ReasonInvalidRequest, "decode request: %v", err)))
		return
	}
	if err := s.check(&req); err != nil {
		sw.send(errorEvent(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, end, err := s.begin(r.Context(), runID)
	if err != nil {
		sw.send(streamEvent{Type: EventError, Error: err.Error(), Kind: "draining"})
		return
	}
	defer end()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchClose(conn, cancel)

	res, err := s.deps.Loop.Run(ctx, req.Messages, orchestrator.WithRunID(runID), orchestrator.WithListener(sw))
	if err != nil {
		if ctx.Err() == nil {
			sw.send(errorEvent(err))
		}
		s.closeStream(conn, websocket.CloseInternalServerErr)
		return
	}
	sw.send(streamEvent{
		Type:          EventFinal,
		Text:          res.Text,
		Speech:        s.speak(res.Text),
		Turns:         res.Turns,
		ToolPhases:    res.ToolPhases,
		LimitExceeded: res.LimitExceeded,
	})
	s.closeStream(conn, websocket.CloseNormalClosure)
}

// watchClose cancels the run once the peer goes away. Any frame after the
// request is ignored.
func watchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func errorEvent(err error) streamEvent {
	return streamEvent{Type: EventError, Error: err.Error(), Kind: string(errorsx.Reason(err))}
}
