// Package rpc decodes framed payloads into JSON-RPC messages, routes requests
// to registered handlers, and serializes replies back through the transport.
// Requests are read one at a time in stream order but handlers run
// concurrently; only the final byte-write of each response is serialized.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/transport"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// HandlerFunc handles a JSON-RPC method. The context is canceled on server
// shutdown; handlers that call external collaborators must pass it through.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *Error)

// NotifyFunc handles a notification (no id, no response).
type NotifyFunc func(params json.RawMessage)

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Request represents a JSON-RPC request or notification. The id is kept raw
// so it is echoed back exactly as the caller supplied it.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Server dispatches requests from a framed connection.
type Server struct {
	conn   *transport.Conn
	logger *logging.Logger

	handlers  map[string]HandlerFunc
	notifiers map[string]NotifyFunc

	wg   sync.WaitGroup
	quit chan struct{} // closed by an "exit" notification
	once sync.Once
}

func NewServer(conn *transport.Conn, logger *logging.Logger) *Server {
	return &Server{
		conn:      conn,
		logger:    logger,
		handlers:  make(map[string]HandlerFunc),
		notifiers: make(map[string]NotifyFunc),
		quit:      make(chan struct{}),
	}
}

// Register sets a handler for a method name.
func (s *Server) Register(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// RegisterNotification sets a handler for a notification method.
func (s *Server) RegisterNotification(method string, h NotifyFunc) {
	s.notifiers[method] = h
}

func (s *Server) requestExit() {
	s.once.Do(func() { close(s.quit) })
}

// Serve runs the read loop until the stream ends, the context is canceled, or
// an unrecoverable transport error occurs. In-flight handlers are allowed to
// finish before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		default:
		}

		payload, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("transport read failed", logging.Error(err))
			return err
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			// A payload that is not even a JSON object carries no
			// recoverable id: fatal to the connection.
			if id := extractID(payload); id != nil {
				s.write(Response{
					JSONRPC: "2.0",
					Error:   Errorf(CodeParseError, "parse error: %v", err),
					ID:      id,
				})
				continue
			}
			s.logger.Error("unrecoverable decode error", logging.Error(err))
			return fmt.Errorf("decode request: %w", err)
		}

		if len(req.ID) == 0 || string(req.ID) == "null" {
			s.handleNotification(req)
			continue
		}

		s.wg.Add(1)
		go func(req Request) {
			defer s.wg.Done()
			s.write(s.dispatchSafe(ctx, req))
		}(req)
	}
}

// extractID tries to salvage a request id from a malformed payload so a
// protocol error response can be tied to it.
func extractID(payload []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		return nil
	}
	return probe.ID
}

func (s *Server) handleNotification(req Request) {
	if req.Method == "exit" {
		s.requestExit()
		return
	}
	if h, ok := s.notifiers[req.Method]; ok {
		h(req.Params)
		return
	}
	// Unknown notifications are ignored per JSON-RPC.
	s.logger.Debug("ignoring notification", logging.String("method", req.Method))
}

func (s *Server) dispatchSafe(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				logging.Any("panic", r),
				logging.String("method", req.Method),
			)
			resp = Response{
				JSONRPC: "2.0",
				Error:   Errorf(CodeInternalError, "internal error: %v", r),
				ID:      req.ID,
			}
		}
	}()
	return s.dispatch(ctx, req)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return Response{
			JSONRPC: "2.0",
			Error:   Errorf(CodeInvalidRequest, "invalid request: jsonrpc must be 2.0"),
			ID:      req.ID,
		}
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		return Response{
			JSONRPC: "2.0",
			Error:   Errorf(CodeMethodNotFound, "method not found: %s", req.Method),
			ID:      req.ID,
		}
	}

	result, rpcErr := handler(ctx, req.Params)
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		Error:   rpcErr,
		ID:      req.ID,
	}
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response failed", logging.Error(err))
		return
	}
	if err := s.conn.WriteMessage(data); err != nil {
		s.logger.Error("write response failed", logging.Error(err))
	}
}
