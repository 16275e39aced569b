// Package mcptransport exposes the broker over the Model Context Protocol:
// a WebSocket carrying JSON-RPC 2.0 with the initialize and tools/call
// methods, offering a single tool ("execute") that maps onto the
// synchronous execution pipeline.
package mcptransport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sandboxd/pkg/engine"
	"sandboxd/pkg/log"
	"sandboxd/pkg/types"
)

const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Message is one JSON-RPC 2.0 frame.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Tool describes one callable tool.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResult wraps a tool invocation's output.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Server serves the MCP WebSocket.
type Server struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader
}

// New builds an MCP server over the given engine.
func New(eng *engine.Engine) *Server {
	return &Server{
		engine: eng,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement is the fronting proxy's job; the principal
			// header is already required to reach this handler.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler upgrades the connection and serves JSON-RPC until the peer
// disconnects. The principal must already be resolved in the gin context.
func (s *Server) Handler(principalFrom func(*gin.Context) types.Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := principalFrom(c)
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			resp := s.handleMessage(c.Request.Context(), principal, data)
			if resp == nil {
				continue // notification, no reply
			}
			if err := conn.WriteJSON(resp); err != nil {
				log.WithPrincipal(principal.ID).Warn("mcp write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, principal types.Principal, data []byte) *Message {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorReply(nil, codeParseError, "parse error")
	}
	if msg.ID == nil {
		return nil
	}

	switch msg.Method {
	case "initialize":
		return reply(msg.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]string{
				"name":    "sandboxd",
				"version": "1.0.0",
			},
		})

	case "tools/list":
		return reply(msg.ID, map[string]interface{}{"tools": []Tool{executeTool()}})

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorReply(msg.ID, codeInvalidParams, "invalid params")
		}
		if params.Name != "execute" {
			return errorReply(msg.ID, codeMethodNotFound, "unknown tool: "+params.Name)
		}
		var req types.ExecutionRequest
		if err := json.Unmarshal(params.Arguments, &req); err != nil {
			return errorReply(msg.ID, codeInvalidParams, "invalid execute arguments")
		}
		result, err := s.engine.ExecuteSync(ctx, principal, req)
		if err != nil {
			if types.KindOf(err).TerminalStatus() {
				return reply(msg.ID, ToolCallResult{
					Content: []ContentBlock{{Type: "text", Text: err.Error()}},
					IsError: true,
				})
			}
			return errorReply(msg.ID, codeInternalError, err.Error())
		}
		encoded, _ := json.Marshal(result)
		return reply(msg.ID, ToolCallResult{
			Content: []ContentBlock{{Type: "text", Text: string(encoded)}},
			IsError: result.Status != types.StatusSuccess,
		})

	default:
		return errorReply(msg.ID, codeMethodNotFound, "method not found: "+msg.Method)
	}
}

func executeTool() Tool {
	return Tool{
		Name:        "execute",
		Description: "Run code inside the caller's sandbox session.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"code":            map[string]interface{}{"type": "string"},
				"language":        map[string]interface{}{"type": "string"},
				"timeout_seconds": map[string]interface{}{"type": "integer"},
				"persistent":      map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"code"},
		},
	}
}

func reply(id json.RawMessage, result interface{}) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Result: result}
}

func errorReply(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}
