package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harunnryd/tala/pkg/llm"
)

// Server is a connected source of tools.
type Server interface {
	ID() string
	Capabilities() []Capability
	Close() error
}

// LocalServer groups in-process tools under a server id.
type LocalServer struct {
	id     string
	tools  []Capability
	closes atomic.Int32
}

func NewLocalServer(id string, tools ...LocalTool) *LocalServer {
	s := &LocalServer{id: id}
	for _, t := range tools {
		t.Tool.ServerID = id
		s.tools = append(s.tools, t)
	}
	return s
}

func (s *LocalServer) ID() string { return s.id }

func (s *LocalServer) Capabilities() []Capability { return s.tools }

func (s *LocalServer) Close() error {
	s.closes.Add(1)
	return nil
}

// Closes reports how many times Close was called.
func (s *LocalServer) Closes() int { return int(s.closes.Load()) }

// remoteServer is one live MCP client session.
type remoteServer struct {
	id      string
	session *mcpsdk.ClientSession
	tools   []Capability
	release context.CancelFunc
	once    sync.Once
	err     error
}

func (s *remoteServer) ID() string { return s.id }

func (s *remoteServer) Capabilities() []Capability { return s.tools }

func (s *remoteServer) Close() error {
	s.once.Do(func() {
		s.err = s.session.Close()
		if s.release != nil {
			s.release()
		}
	})
	return s.err
}

func (s *remoteServer) listTools(ctx context.Context) error {
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return err
		}
		if tool == nil {
			continue
		}
		s.tools = append(s.tools, &remoteTool{
			session: s.session,
			desc: llm.Tool{
				Name:        tool.Name,
				Description: tool.Description,
				ServerID:    s.id,
				Schema:      tool.InputSchema,
			},
		})
	}
	return nil
}

type remoteTool struct {
	session *mcpsdk.ClientSession
	desc    llm.Tool
}

func (t *remoteTool) Descriptor() llm.Tool { return t.desc }

func (t *remoteTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: t.desc.Name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return DecodeResult(res)
}

// DecodeResult turns an MCP tool result into a payload. Structured content
// wins; otherwise text content is used, decoded as JSON when it parses.
// Results flagged IsError become errors carrying their text.
func DecodeResult(res *mcpsdk.CallToolResult) (any, error) {
	if res == nil {
		return nil, nil
	}
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	if len(texts) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}
