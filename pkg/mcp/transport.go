package mcp

import (
	"fmt"
	"net/url"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harunnryd/tala/pkg/errorsx"
)

const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"

	// DefaultServerID names the single server used when only a base URL is set.
	DefaultServerID = "default"
)

// Endpoint is a resolved tool server address.
type Endpoint struct {
	ID        string
	URL       string
	Transport string
}

// ServerSpec is a configured tool server. URL overrides Path; with neither,
// the server lives at <base>/<id>/mcp.
type ServerSpec struct {
	ID   string `mapstructure:"id"`
	URL  string `mapstructure:"url"`
	Path string `mapstructure:"path"`
}

// transportBuilder is swapped in tests for in-memory transports.
var transportBuilder = buildTransport

// ResolveEndpoints expands server specs against a base URL.
func ResolveEndpoints(baseURL, transport string, specs []ServerSpec) ([]Endpoint, error) {
	transport = strings.ToLower(strings.TrimSpace(transport))
	if transport == "" {
		transport = TransportSSE
	}
	if transport != TransportSSE && transport != TransportStreamable {
		return nil, errorsx.New(errorsx.ReasonConfigMissing, "unsupported tool server transport %q", transport)
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if len(specs) == 0 {
		if base == "" {
			return nil, nil
		}
		return []Endpoint{{ID: DefaultServerID, URL: base, Transport: transport}}, nil
	}

	out := make([]Endpoint, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, errorsx.New(errorsx.ReasonConfigMissing, "tool server id is required")
		}
		if seen[id] {
			return nil, errorsx.New(errorsx.ReasonConfigMissing, "tool server %q listed twice", id)
		}
		seen[id] = true

		target := strings.TrimSpace(s.URL)
		if target == "" {
			if base == "" {
				return nil, errorsx.New(errorsx.ReasonConfigMissing, "tool server %q needs url or tool_servers.base_url", id)
			}
			path := strings.TrimSpace(s.Path)
			if path == "" {
				path = "/" + id + "/mcp"
			}
			target = base + "/" + strings.TrimLeft(path, "/")
		}
		if _, err := normalizeHTTPURL(target); err != nil {
			return nil, errorsx.New(errorsx.ReasonConfigMissing, "tool server %q: %v", id, err)
		}
		out = append(out, Endpoint{ID: id, URL: target, Transport: transport})
	}
	return out, nil
}

func buildTransport(ep Endpoint) (mcpsdk.Transport, error) {
	endpoint, err := normalizeHTTPURL(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint for %q: %w", ep.ID, err)
	}
	switch ep.Transport {
	case TransportStreamable:
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint}, nil
	case TransportSSE, "":
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", ep.Transport)
	}
}

func normalizeHTTPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
