package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/keelhq/agentgate/ratelimit"
	"github.com/keelhq/agentgate/scope"
	"github.com/keelhq/agentgate/security"
)

// Handler dispatches MCP JSON-RPC requests for authenticated sessions. Every
// tools/call runs the full authorization pipeline: session gate, rate
// limits, scope check, MFA policy, then execution with guaranteed audit and
// usage bookkeeping. Denials fail closed.
type Handler struct {
	tools     *ToolRegistry
	resources *ResourceRegistry
	prompts   *PromptRegistry
	scopes    *scope.Manager
	limiter   *ratelimit.Limiter
	sessions  *SessionStore
	auditor   *security.Auditor
	logger    *slog.Logger
	info      ServerInfo

	now func() time.Time
}

// HandlerOptions configures a Handler. Scopes, Limiter, and Sessions are
// required; nil registries default to empty ones.
type HandlerOptions struct {
	Tools     *ToolRegistry
	Resources *ResourceRegistry
	Prompts   *PromptRegistry
	Scopes    *scope.Manager
	Limiter   *ratelimit.Limiter
	Sessions  *SessionStore
	Auditor   *security.Auditor
	Logger    *slog.Logger
	Info      ServerInfo
}

// NewHandler creates a protocol handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Scopes == nil {
		return nil, fmt.Errorf("scope manager is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Tools == nil {
		opts.Tools = NewToolRegistry()
	}
	if opts.Resources == nil {
		opts.Resources = NewResourceRegistry()
	}
	if opts.Prompts == nil {
		opts.Prompts = NewPromptRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		tools:     opts.Tools,
		resources: opts.Resources,
		prompts:   opts.Prompts,
		scopes:    opts.Scopes,
		limiter:   opts.Limiter,
		sessions:  opts.Sessions,
		auditor:   opts.Auditor,
		logger:    opts.Logger,
		info:      opts.Info,
		now:       time.Now,
	}, nil
}

// Sessions exposes the session store for the transport layer.
func (h *Handler) Sessions() *SessionStore {
	return h.sessions
}

// HandleRequest processes one request on behalf of a session. The returned
// response is nil for notifications.
func (h *Handler) HandleRequest(ctx context.Context, session *Session, req *Request) *Response {
	if req.JSONRPC != JSONRPCVersion {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"", nil)
	}
	if req.Method == "" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "method is required", nil)
	}

	var resp *Response
	switch req.Method {
	case MethodInitialize:
		resp = h.handleInitialize(session, req)
	case MethodPing:
		resp = NewResponse(req.ID, struct{}{})
	case MethodToolsList:
		resp = h.handleToolsList(session, req)
	case MethodToolsCall:
		resp = h.handleToolsCall(ctx, session, req)
	case MethodResourcesList:
		resp = h.requireInitialized(session, req, func() *Response {
			return NewResponse(req.ID, ResourcesListResult{Resources: h.resources.List()})
		})
	case MethodResourcesRead:
		resp = h.handleResourcesRead(ctx, session, req)
	case MethodPromptsList:
		resp = h.requireInitialized(session, req, func() *Response {
			return NewResponse(req.ID, PromptsListResult{Prompts: h.prompts.List()})
		})
	case MethodPromptsGet:
		resp = h.handlePromptsGet(session, req)
	default:
		resp = NewErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}

	if req.IsNotification() {
		return nil
	}
	return resp
}

// requireInitialized gates a method behind a completed initialize
// handshake. ping and initialize itself are the only exceptions.
func (h *Handler) requireInitialized(session *Session, req *Request, fn func() *Response) *Response {
	if !session.Initialized {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "session not initialized", nil)
	}
	return fn()
}

func (h *Handler) handleInitialize(session *Session, req *Request) *Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, CodeInvalidParams, "malformed initialize params", nil)
		}
	}

	h.sessions.MarkInitialized(session.ID, params.ClientInfo)
	session.Initialized = true
	session.ClientInfo = params.ClientInfo

	h.logger.Info("Session initialized",
		"session_id", session.ID,
		"client_id", session.ClientID,
		"client_name", params.ClientInfo.Name)

	return NewResponse(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools:     &struct{}{},
			Resources: &struct{}{},
			Prompts:   &struct{}{},
		},
		ServerInfo: h.info,
	})
}

// handleToolsList returns only the tools the session's scopes can actually
// call; a client never sees a tool it would be forbidden to invoke.
func (h *Handler) handleToolsList(session *Session, req *Request) *Response {
	return h.requireInitialized(session, req, func() *Response {
		accessible := h.scopes.AccessibleTools(session.Scopes, h.tools.Names())
		return NewResponse(req.ID, ToolsListResult{Tools: h.tools.Describe(accessible)})
	})
}

func (h *Handler) handleToolsCall(ctx context.Context, session *Session, req *Request) *Response {
	if !session.Initialized {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "session not initialized", nil)
	}

	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name", nil)
	}

	// Rate limits come before anything tool-specific, so guessing tool
	// names or scope coverage is itself rate limited. An allowed check
	// reserves the call slot; denials by the later gates keep it consumed.
	if decision := h.limiter.Check(session.ClientID, params.Name); !decision.Allowed {
		if h.auditor != nil {
			h.auditor.LogRateLimitExceeded(session.UserID, session.ClientID, decision.LimitType)
			h.auditor.LogToolCallBlocked(session.UserID, session.ClientID, session.ID, params.Name, "rate_limited")
		}
		retryAfter := int64(decision.RetryAfter.Seconds())
		return NewErrorResponse(req.ID, CodeRateLimited, "rate limit exceeded", map[string]any{
			"retryAfter": retryAfter,
			"limitType":  decision.LimitType,
		})
	}

	tool, ok := h.tools.Get(params.Name)
	if !ok {
		// Unknown tool is a parameter error, not a method error: the
		// method tools/call exists.
		return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name), nil)
	}

	if !h.scopes.CanExecuteTool(session.Scopes, params.Name) {
		if h.auditor != nil {
			h.auditor.LogToolCallBlocked(session.UserID, session.ClientID, session.ID, params.Name, "scope_denied")
		}
		return NewErrorResponse(req.ID, CodeForbidden, fmt.Sprintf("tool %q not permitted by granted scopes", params.Name), nil)
	}

	if h.scopes.RequiresMFA(session.Scopes, params.Name) && !session.MFASatisfied {
		if h.auditor != nil {
			h.auditor.LogToolCallBlocked(session.UserID, session.ClientID, session.ID, params.Name, "mfa_required")
		}
		return NewErrorResponse(req.ID, CodeForbidden, fmt.Sprintf("tool %q requires a verified second factor", params.Name), nil)
	}

	return h.executeTool(ctx, session, req, tool, params)
}

// executeTool runs the tool with panic recovery. Bookkeeping is deferred so
// that audit records and duration accounting happen on every outcome,
// including panics; the call slot itself was reserved at the limit check.
func (h *Handler) executeTool(ctx context.Context, session *Session, req *Request, tool Tool, params ToolsCallParams) (resp *Response) {
	start := h.now()
	success := false
	reason := ""

	defer func() {
		duration := h.now().Sub(start)
		h.limiter.Record(session.ClientID, params.Name, duration)
		if h.auditor != nil {
			h.auditor.LogToolCallCompleted(session.UserID, session.ClientID, session.ID,
				params.Name, duration.Milliseconds(), success, reason)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			reason = "panic"
			h.logger.Error("Tool execution panicked",
				"tool", params.Name,
				"session_id", session.ID,
				"panic", fmt.Sprint(r))
			// Internals stay out of the response.
			resp = NewErrorResponse(req.ID, CodeToolExecutionError, "tool execution failed", nil)
		}
	}()

	result, err := tool.Execute(ctx, params.Arguments)
	if err != nil {
		reason = err.Error()
		h.logger.Warn("Tool execution failed",
			"tool", params.Name,
			"session_id", session.ID,
			"error", err)
		return NewErrorResponse(req.ID, CodeToolExecutionError, "tool execution failed", nil)
	}
	if result == nil {
		result = &CallToolResult{Content: []ContentBlock{}}
	}

	success = !result.IsError
	if result.IsError {
		reason = "tool reported error"
	}
	return NewResponse(req.ID, result)
}

func (h *Handler) handleResourcesRead(ctx context.Context, session *Session, req *Request) *Response {
	return h.requireInitialized(session, req, func() *Response {
		var params ResourcesReadParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
			return NewErrorResponse(req.ID, CodeInvalidParams, "resources/read requires a uri", nil)
		}
		res, ok := h.resources.Get(params.URI)
		if !ok {
			return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown resource %q", params.URI), nil)
		}
		contents, err := res.Read(ctx)
		if err != nil {
			h.logger.Warn("Resource read failed", "uri", params.URI, "error", err)
			return NewErrorResponse(req.ID, CodeInternalError, "resource read failed", nil)
		}
		return NewResponse(req.ID, ResourcesReadResult{Contents: contents})
	})
}

func (h *Handler) handlePromptsGet(session *Session, req *Request) *Response {
	return h.requireInitialized(session, req, func() *Response {
		var params PromptsGetParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return NewErrorResponse(req.ID, CodeInvalidParams, "prompts/get requires a name", nil)
		}
		prompt, ok := h.prompts.Get(params.Name)
		if !ok {
			return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown prompt %q", params.Name), nil)
		}
		for _, arg := range prompt.Arguments {
			if arg.Required {
				if _, present := params.Arguments[arg.Name]; !present {
					return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("missing required argument %q", arg.Name), nil)
				}
			}
		}
		result, err := prompt.Render(params.Arguments)
		if err != nil {
			h.logger.Warn("Prompt render failed", "prompt", params.Name, "error", err)
			return NewErrorResponse(req.ID, CodeInternalError, "prompt render failed", nil)
		}
		return NewResponse(req.ID, result)
	})
}
