// Package worker is the long-lived tool process the bot talks to over stdio.
// It serves JSON-RPC 2.0 requests, one per line.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/toolrpc"
)

// methodHandler handles one JSON-RPC method. Returning a *toolrpc.RPCError
// sends it verbatim; any other error becomes an internal error.
type methodHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server dispatches JSON-RPC requests to the worker's tools.
type Server struct {
	info     toolrpc.Implementation
	tools    *Toolbox
	handlers map[string]methodHandler
	logger   zerolog.Logger
}

// NewServer returns a server exposing tb.
func NewServer(name, version string, tb *Toolbox) *Server {
	s := &Server{
		info:   toolrpc.Implementation{Name: name, Version: version},
		tools:  tb,
		logger: log.WithComponent("worker"),
	}
	s.handlers = map[string]methodHandler{
		toolrpc.MethodInitialize:  s.handleInitialize,
		toolrpc.MethodInitialized: func(context.Context, json.RawMessage) (interface{}, error) { return nil, nil },
		"ping":                    func(context.Context, json.RawMessage) (interface{}, error) { return struct{}{}, nil },
		toolrpc.MethodToolsList:   s.handleToolsList,
		toolrpc.MethodToolsCall:   s.handleToolsCall,
	}
	return s
}

// HandleMessage processes one framed message and returns the response line,
// or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, msg []byte) []byte {
	var req toolrpc.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return marshalResponse(nil, nil, toolrpc.NewError(toolrpc.CodeParseError, "invalid JSON", nil))
	}
	if req.JSONRPC != toolrpc.Version || req.Method == "" {
		if req.ID == nil {
			return nil
		}
		return marshalResponse(req.ID, nil, toolrpc.NewError(toolrpc.CodeInvalidRequest, "invalid request", nil))
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		if req.ID == nil {
			return nil
		}
		return marshalResponse(req.ID, nil, toolrpc.NewError(toolrpc.CodeMethodNotFound, "method not found: "+req.Method, nil))
	}

	start := time.Now()
	result, err := handler(ctx, req.Params)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldMethod, req.Method).Dur("duration", time.Since(start)).Msg("handler error")
		if req.ID == nil {
			return nil
		}
		var rpcErr *toolrpc.RPCError
		if errors.As(err, &rpcErr) {
			return marshalResponse(req.ID, nil, rpcErr)
		}
		return marshalResponse(req.ID, nil, toolrpc.NewError(toolrpc.CodeInternalError, err.Error(), nil))
	}
	s.logger.Debug().Str(log.FieldMethod, req.Method).Dur("duration", time.Since(start)).Msg("request handled")
	if req.ID == nil {
		return nil
	}
	return marshalResponse(req.ID, result, nil)
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled. Requests are handled one at a time.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info().Str("name", s.info.Name).Str("version", s.info.Version).Msg("worker serving")

	msgCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case msgCh <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				s.logger.Info().Msg("input closed")
				return nil
			}
			return fmt.Errorf("worker: read: %w", err)
		case msg := <-msgCh:
			resp := s.HandleMessage(ctx, msg)
			if resp == nil {
				continue
			}
			if _, err := w.Write(append(resp, '\n')); err != nil {
				return fmt.Errorf("worker: write: %w", err)
			}
		}
	}
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p toolrpc.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, toolrpc.NewError(toolrpc.CodeInvalidParams, fmt.Sprintf("invalid initialize params: %v", err), nil)
		}
	}
	if p.ProtocolVersion != "" && p.ProtocolVersion != toolrpc.ProtocolVersion {
		s.logger.Warn().Str("client_version", p.ProtocolVersion).Msg("protocol version mismatch")
	}
	if p.ClientInfo.Name != "" {
		s.logger.Info().Str("client", p.ClientInfo.Name).Str("client_version", p.ClientInfo.Version).Msg("client connected")
	}
	return toolrpc.InitializeResult{
		ProtocolVersion: toolrpc.ProtocolVersion,
		Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) handleToolsList(context.Context, json.RawMessage) (interface{}, error) {
	return toolrpc.ToolsListResult{Tools: s.tools.List()}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p toolrpc.CallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toolrpc.NewError(toolrpc.CodeInvalidParams, fmt.Sprintf("invalid tool call params: %v", err), nil)
	}
	if p.Name == "" {
		return nil, toolrpc.NewError(toolrpc.CodeInvalidParams, "tool name is required", nil)
	}
	if !s.tools.Has(p.Name) {
		return nil, toolrpc.NewError(toolrpc.CodeInvalidParams, "unknown tool: "+p.Name, nil)
	}
	s.logger.Info().Str(log.FieldTool, p.Name).Msg("tool call")
	text, err := s.tools.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		return toolrpc.TextResult(err.Error(), true), nil
	}
	return toolrpc.TextResult(text, false), nil
}

func marshalResponse(id *int64, result interface{}, rpcErr *toolrpc.RPCError) []byte {
	resp := toolrpc.Response{JSONRPC: toolrpc.Version, ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = toolrpc.NewError(toolrpc.CodeInternalError, "marshal result: "+err.Error(), nil)
		} else {
			resp.Result = raw
		}
	}
	data, _ := json.Marshal(resp)
	return data
}
