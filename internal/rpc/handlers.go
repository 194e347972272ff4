package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/yourorg/acetool-go/internal/indexer"
	"github.com/yourorg/acetool-go/internal/version"
)

const defaultProtocolVersion = "2025-06-18"

// Searcher answers retrieval queries against an indexed project.
type Searcher interface {
	SearchContext(ctx context.Context, projectRoot, query string) (*indexer.SearchResult, error)
}

// PromptEnhancer rewrites a raw prompt, optionally using transcript history.
type PromptEnhancer interface {
	Enhance(ctx context.Context, prompt, conversationHistory string) (string, error)
}

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// RegisterMCP wires the MCP protocol methods onto a server: the lifecycle
// handshake plus the tools/list and tools/call surface backed by the given
// searcher and enhancer.
func RegisterMCP(s *Server, searcher Searcher, enhancer PromptEnhancer) {
	s.Register("initialize", handleInitialize)
	s.RegisterNotification("initialized", func(json.RawMessage) {})
	s.Register("ping", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return map[string]any{}, nil
	})
	s.Register("shutdown", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return map[string]any{}, nil
	})
	s.Register("tools/list", handleToolsList)
	s.Register("tools/call", toolsCallHandler(searcher, enhancer))
}

func handleInitialize(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(params, &p)
	pv := p.ProtocolVersion
	if pv == "" {
		pv = defaultProtocolVersion
	}
	return map[string]any{
		"protocolVersion": pv,
		"capabilities": map[string]any{
			"tools": map[string]any{
				"listChanged": false,
			},
		},
		"serverInfo": map[string]any{
			"name":    "acetool",
			"version": version.Version,
		},
	}, nil
}

func handleToolsList(ctx context.Context, params json.RawMessage) (any, *Error) {
	return map[string]any{
		"tools": []tool{
			{
				Name:        "search_context",
				Description: "Search for relevant code context using semantic search within a specific project. The project is indexed automatically on first use, then the query is matched against its code. Ideal for locating function implementations, understanding business logic, or finding specific code patterns.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project_root_path": map[string]any{
							"type":        "string",
							"description": "Absolute path to the project root directory. Always use forward slashes (/) as path separators, even on Windows.",
						},
						"query": map[string]any{
							"type":        "string",
							"description": "A complete natural language sentence describing what code you want to find, like 'Find where the server handles user authentication'. Avoid keyword lists.",
						},
					},
					"required": []string{"project_root_path", "query"},
				},
			},
			{
				Name:        "enhance_prompt",
				Description: "Rewrite a rough prompt into a clearer, more detailed one. Optionally takes prior conversation history as free-form 'User:' / 'Assistant:' transcript text.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{
							"type":        "string",
							"description": "The prompt to enhance.",
						},
						"conversation_history": map[string]any{
							"type":        "string",
							"description": "Optional transcript of the conversation so far, with lines prefixed by 'User:' or 'Assistant:'.",
						},
						"project_root_path": map[string]any{
							"type":        "string",
							"description": "Optional absolute path to the project root, for project-aware enhancement.",
						},
					},
					"required": []string{"prompt"},
				},
			},
		},
		"nextCursor": nil,
	}, nil
}

// toolResult is the MCP tools/call result envelope. Tool failures are reported
// in-band with isError so the client surfaces them as tool output rather than
// a protocol error.
func toolResult(text string, isError bool) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isError,
	}
}

func toolsCallHandler(searcher Searcher, enhancer PromptEnhancer) HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, Errorf(CodeInvalidParams, "invalid params: %v", err)
		}

		switch p.Name {
		case "search_context":
			root, _ := p.Arguments["project_root_path"].(string)
			query, _ := p.Arguments["query"].(string)
			if strings.TrimSpace(root) == "" || strings.TrimSpace(query) == "" {
				return nil, Errorf(CodeInvalidParams, "invalid params: project_root_path and query required")
			}
			res, err := searcher.SearchContext(ctx, root, query)
			if err != nil {
				return toolResult(err.Error(), true), nil
			}
			text := res.Output
			if text == "" {
				text = res.Message
			}
			return toolResult(text, false), nil

		case "enhance_prompt":
			prompt, _ := p.Arguments["prompt"].(string)
			if strings.TrimSpace(prompt) == "" {
				return nil, Errorf(CodeInvalidParams, "invalid params: prompt required")
			}
			history, _ := p.Arguments["conversation_history"].(string)
			out, err := enhancer.Enhance(ctx, prompt, history)
			if err != nil {
				return toolResult(err.Error(), true), nil
			}
			return toolResult(out, false), nil

		default:
			return nil, Errorf(CodeMethodNotFound, "unknown tool: %s", p.Name)
		}
	}
}
