package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/acetool-go/internal/indexer"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/transport"
)

// testPeer drives a server over an in-memory line-framed connection.
type testPeer struct {
	t      *testing.T
	in     *io.PipeWriter
	out    *bufio.Reader
	served chan error
}

func startServer(t *testing.T, register func(*Server)) *testPeer {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	conn := transport.NewConn(serverR, serverW, transport.ModeLine)
	srv := NewServer(conn, logging.Nop())
	if register != nil {
		register(srv)
	}

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(context.Background())
	}()

	t.Cleanup(func() {
		clientW.Close()
		serverW.Close()
	})
	return &testPeer{
		t:      t,
		in:     clientW,
		out:    bufio.NewReader(clientR),
		served: served,
	}
}

func (p *testPeer) send(raw string) {
	p.t.Helper()
	_, err := io.WriteString(p.in, raw+"\n")
	require.NoError(p.t, err)
}

func (p *testPeer) recv() Response {
	p.t.Helper()
	line, err := p.out.ReadString('\n')
	require.NoError(p.t, err)
	var resp Response
	require.NoError(p.t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func (p *testPeer) waitServe() error {
	p.t.Helper()
	select {
	case err := <-p.served:
		return err
	case <-time.After(5 * time.Second):
		p.t.Fatal("server did not stop")
		return nil
	}
}

func echoHandler(ctx context.Context, params json.RawMessage) (any, *Error) {
	return map[string]any{"ok": true}, nil
}

func TestRequestIDEchoedExactly(t *testing.T) {
	p := startServer(t, func(s *Server) { s.Register("echo", echoHandler) })

	p.send(`{"jsonrpc":"2.0","id":"abc-1","method":"echo"}`)
	resp := p.recv()
	assert.Equal(t, `"abc-1"`, string(resp.ID))
	assert.Nil(t, resp.Error)

	p.send(`{"jsonrpc":"2.0","id":7,"method":"echo"}`)
	resp = p.recv()
	assert.Equal(t, `7`, string(resp.ID))
}

func TestMethodNotFound(t *testing.T) {
	p := startServer(t, nil)
	p.send(`{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	resp := p.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestInvalidRequestVersion(t *testing.T) {
	p := startServer(t, func(s *Server) { s.Register("echo", echoHandler) })
	p.send(`{"jsonrpc":"1.0","id":1,"method":"echo"}`)
	resp := p.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestParseErrorWithSalvageableID(t *testing.T) {
	p := startServer(t, nil)
	// method has the wrong JSON type, but the id is recoverable.
	p.send(`{"jsonrpc":"2.0","id":5,"method":123}`)
	resp := p.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Equal(t, `5`, string(resp.ID))
}

func TestUnparseablePayloadIsFatal(t *testing.T) {
	p := startServer(t, nil)
	p.send(`this is not json`)
	err := p.waitServe()
	assert.Error(t, err)
}

func TestExitNotificationStopsServer(t *testing.T) {
	p := startServer(t, nil)
	p.send(`{"jsonrpc":"2.0","method":"exit"}`)
	assert.NoError(t, p.waitServe())
}

func TestEOFStopsServerCleanly(t *testing.T) {
	p := startServer(t, nil)
	p.in.Close()
	assert.NoError(t, p.waitServe())
}

func TestHandlersRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	p := startServer(t, func(s *Server) {
		s.Register("slow", func(ctx context.Context, params json.RawMessage) (any, *Error) {
			<-release
			return "slow done", nil
		})
		s.Register("fast", func(ctx context.Context, params json.RawMessage) (any, *Error) {
			return "fast done", nil
		})
	})

	// The slow request is read first but must not block the fast one.
	p.send(`{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	p.send(`{"jsonrpc":"2.0","id":2,"method":"fast"}`)

	first := p.recv()
	close(release)
	second := p.recv()
	assert.Equal(t, `2`, string(first.ID))
	assert.Equal(t, `1`, string(second.ID))
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	p := startServer(t, func(s *Server) {
		s.Register("boom", func(ctx context.Context, params json.RawMessage) (any, *Error) {
			panic("kaboom")
		})
	})
	p.send(`{"jsonrpc":"2.0","id":9,"method":"boom"}`)
	resp := p.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")
	assert.Equal(t, `9`, string(resp.ID))
}

func TestUnknownNotificationIgnored(t *testing.T) {
	p := startServer(t, func(s *Server) { s.Register("echo", echoHandler) })
	p.send(`{"jsonrpc":"2.0","method":"whatever"}`)
	// Server keeps serving afterwards.
	p.send(`{"jsonrpc":"2.0","id":1,"method":"echo"}`)
	resp := p.recv()
	assert.Nil(t, resp.Error)
}

type fakeSearcher struct {
	out  string
	err  error
	root string
	q    string
}

func (f *fakeSearcher) SearchContext(ctx context.Context, root, query string) (*indexer.SearchResult, error) {
	f.root = root
	f.q = query
	if f.err != nil {
		return nil, f.err
	}
	return &indexer.SearchResult{Status: "ok", Output: f.out}, nil
}

type fakeEnhancer struct {
	out     string
	err     error
	prompt  string
	history string
}

func (f *fakeEnhancer) Enhance(ctx context.Context, prompt, history string) (string, error) {
	f.prompt = prompt
	f.history = history
	return f.out, f.err
}

func mcpPeer(t *testing.T, searcher Searcher, enhancer PromptEnhancer) *testPeer {
	t.Helper()
	return startServer(t, func(s *Server) { RegisterMCP(s, searcher, enhancer) })
}

func resultMap(t *testing.T, resp Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result is %T", resp.Result)
	return m
}

func toolText(t *testing.T, resp Response) (string, bool) {
	t.Helper()
	m := resultMap(t, resp)
	content, ok := m["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	item := content[0].(map[string]any)
	assert.Equal(t, "text", item["type"])
	isErr, _ := m["isError"].(bool)
	return item["text"].(string), isErr
}

func TestInitializeEchoesProtocolVersion(t *testing.T) {
	p := mcpPeer(t, &fakeSearcher{}, &fakeEnhancer{})
	p.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	m := resultMap(t, p.recv())
	assert.Equal(t, "2024-11-05", m["protocolVersion"])
	info := m["serverInfo"].(map[string]any)
	assert.Equal(t, "acetool", info["name"])
	assert.NotEmpty(t, info["version"])
}

func TestInitializeDefaultsProtocolVersion(t *testing.T) {
	p := mcpPeer(t, &fakeSearcher{}, &fakeEnhancer{})
	p.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	m := resultMap(t, p.recv())
	assert.Equal(t, defaultProtocolVersion, m["protocolVersion"])
}

func TestToolsListExposesBothTools(t *testing.T) {
	p := mcpPeer(t, &fakeSearcher{}, &fakeEnhancer{})
	p.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	m := resultMap(t, p.recv())
	tools := m["tools"].([]any)
	require.Len(t, tools, 2)
	var names []string
	for _, tl := range tools {
		names = append(names, tl.(map[string]any)["name"].(string))
	}
	assert.ElementsMatch(t, []string{"search_context", "enhance_prompt"}, names)
}

func TestToolsCallSearchContext(t *testing.T) {
	searcher := &fakeSearcher{out: "relevant code here"}
	p := mcpPeer(t, searcher, &fakeEnhancer{})
	p.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search_context","arguments":{"project_root_path":"/tmp/proj","query":"find main"}}}`)
	text, isErr := toolText(t, p.recv())
	assert.False(t, isErr)
	assert.Equal(t, "relevant code here", text)
	assert.Equal(t, "/tmp/proj", searcher.root)
	assert.Equal(t, "find main", searcher.q)
}

func TestToolsCallSearchFailureIsInBand(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("index unavailable")}
	p := mcpPeer(t, searcher, &fakeEnhancer{})
	p.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search_context","arguments":{"project_root_path":"/tmp/proj","query":"q"}}}`)
	text, isErr := toolText(t, p.recv())
	assert.True(t, isErr)
	assert.Contains(t, text, "index unavailable")
}

func TestToolsCallEnhancePrompt(t *testing.T) {
	enh := &fakeEnhancer{out: "a much better prompt"}
	p := mcpPeer(t, &fakeSearcher{}, enh)
	p.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"enhance_prompt","arguments":{"prompt":"fix it","conversation_history":"User: hello"}}}`)
	text, isErr := toolText(t, p.recv())
	assert.False(t, isErr)
	assert.Equal(t, "a much better prompt", text)
	assert.Equal(t, "fix it", enh.prompt)
	assert.Equal(t, "User: hello", enh.history)
}

func TestToolsCallMissingArguments(t *testing.T) {
	p := mcpPeer(t, &fakeSearcher{}, &fakeEnhancer{})

	for _, params := range []string{
		`{"name":"search_context","arguments":{"query":"q"}}`,
		`{"name":"search_context","arguments":{"project_root_path":"/p"}}`,
		`{"name":"enhance_prompt","arguments":{}}`,
	} {
		p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":%s}`, params))
		resp := p.recv()
		require.NotNil(t, resp.Error, "params: %s", params)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	p := mcpPeer(t, &fakeSearcher{}, &fakeEnhancer{})
	p.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"mystery","arguments":{}}}`)
	resp := p.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}
