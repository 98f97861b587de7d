package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cerberus-gate/cerberus/internal/adapter/outbound/upstream"
	"github.com/cerberus-gate/cerberus/internal/ctxkey"
	"github.com/cerberus-gate/cerberus/internal/domain/audit"
	"github.com/cerberus-gate/cerberus/internal/domain/governance"
	"github.com/cerberus-gate/cerberus/pkg/mcp"
)

// ErrClientGone indicates the client disconnected before a response could
// be written. The handler drops the response; the audit trail carries the
// client_disconnected marker.
var ErrClientGone = errors.New("client disconnected")

// guardrailDecisionTimeout is the synthetic guardrail type recorded when
// the per-request decision budget expires under fail-closed.
const guardrailDecisionTimeout governance.GuardrailType = "decision_timeout"

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as the HTTP middleware for request_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// Authenticator resolves an Authorization header into a request context.
type Authenticator interface {
	Authenticate(ctx context.Context, requestID, authorization string) (*governance.RequestContext, error)
}

// PolicyResolver computes the effective policy set for a request context.
type PolicyResolver interface {
	Resolve(ctx context.Context, reqCtx *governance.RequestContext) (*governance.EffectivePolicySet, error)
}

// EvaluatorBuilder instantiates guardrail evaluators from a policy set.
// A non-nil error reports guardrails that were configured but could not
// be constructed; the returned evaluators are still usable.
type EvaluatorBuilder interface {
	Build(set *governance.EffectivePolicySet) ([]*governance.Evaluator, error)
}

// Forwarder sends a governed request to the workspace upstream.
type Forwarder interface {
	Forward(ctx context.Context, reqCtx *governance.RequestContext, req *upstream.Request) (*upstream.Response, error)
}

// DecisionSink accepts audit decisions without blocking the hot path.
type DecisionSink interface {
	Emit(decision audit.Decision)
}

// ProxyRequest is one inbound proxy call as seen by the orchestrator.
type ProxyRequest struct {
	// RequestID correlates logs and audit rows; assigned by middleware.
	RequestID string
	// Authorization is the raw Authorization header value.
	Authorization string
	// Method is the client's HTTP method.
	Method string
	// Path is the tail of the proxy URL, appended to the upstream base.
	Path string
	// ContentType gates JSON parsing of the body.
	ContentType string
	// Header is the client's full header set.
	Header http.Header
	// Body is the raw request payload.
	Body []byte
	// ClientAddr is the remote address for the forwarded-for chain.
	ClientAddr string
}

// ProxyResponse is what the handler writes back to the client.
type ProxyResponse struct {
	// Status is the HTTP status code.
	Status int
	// Header carries filtered upstream response headers, when any.
	Header http.Header
	// Body is the response payload.
	Body []byte
	// RetryAfter is set on throttle for the Retry-After header.
	RetryAfter time.Duration
	// RequestDecisionID and ResponseDecisionID surface as response headers.
	RequestDecisionID  string
	ResponseDecisionID string
}

// ProxyOrchestrator drives the governed request lifecycle: authenticate,
// resolve policy, evaluate the request, forward, evaluate the response,
// and audit every terminal outcome.
type ProxyOrchestrator struct {
	auth       Authenticator
	policies   PolicyResolver
	guardrails EvaluatorBuilder
	upstream   Forwarder
	audit      DecisionSink
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// OrchestratorOption configures a ProxyOrchestrator.
type OrchestratorOption func(*ProxyOrchestrator)

// WithOrchestratorClock substitutes the time source, for tests.
func WithOrchestratorClock(clock func() time.Time) OrchestratorOption {
	return func(o *ProxyOrchestrator) { o.clock = clock }
}

// WithDecisionIDs substitutes the decision ID generator, for tests.
func WithDecisionIDs(newID func() string) OrchestratorOption {
	return func(o *ProxyOrchestrator) { o.newID = newID }
}

// NewProxyOrchestrator wires the orchestrator's collaborators.
func NewProxyOrchestrator(
	auth Authenticator,
	policies PolicyResolver,
	guardrails EvaluatorBuilder,
	fwd Forwarder,
	sink DecisionSink,
	logger *slog.Logger,
	opts ...OrchestratorOption,
) *ProxyOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &ProxyOrchestrator{
		auth:       auth,
		policies:   policies,
		guardrails: guardrails,
		upstream:   fwd,
		audit:      sink,
		logger:     logger,
		clock:      time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs one request end to end. A nil error means the response
// should be written to the client; ErrClientGone means the client is no
// longer there and nothing should be written.
func (o *ProxyOrchestrator) Handle(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error) {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = o.logger
	}

	reqCtx, err := o.auth.Authenticate(ctx, req.RequestID, req.Authorization)
	if err != nil {
		logger.Info("authentication failed", "request_id", req.RequestID)
		return &ProxyResponse{
			Status: http.StatusUnauthorized,
			Body:   []byte(`{"error":"unauthorized"}`),
		}, nil
	}

	rawID := mcp.ExtractID(req.Body)
	method, tool := "", ""
	if env, perr := mcp.Parse(req.Body); perr == nil {
		method = env.Method()
		tool = env.ToolName()
	}

	set, err := o.policies.Resolve(ctx, reqCtx)
	if err != nil {
		// Fail-closed policy load failure: the open case already returned
		// an empty set from the resolver.
		decisionID := o.newID()
		logger.Error("policy resolution failed", "error", err, "request_id", req.RequestID)
		o.audit.Emit(audit.Decision{
			DecisionID:  decisionID,
			RequestID:   req.RequestID,
			TenantID:    reqCtx.TenantID,
			WorkspaceID: reqCtx.WorkspaceID,
			AgentID:     reqCtx.AgentID,
			Direction:   governance.DirectionRequest,
			Method:      method,
			ToolName:    tool,
			FinalAction: governance.ActionBlock,
			Marker:      audit.MarkerPolicyLoadFailure,
			CreatedAt:   o.clock().UTC(),
		})
		return &ProxyResponse{
			Status: http.StatusForbidden,
			Body: mcp.NewErrorResponse(rawID, mcp.CodeGovernanceBlock, "policy resolution failed", &mcp.ErrorData{
				DecisionID: decisionID,
				Action:     mcp.BlockActionRequest,
			}),
			RequestDecisionID: decisionID,
		}, nil
	}

	evaluators, buildErr := o.guardrails.Build(set)
	if buildErr != nil {
		if reqCtx.FailMode == governance.FailOpen {
			logger.Warn("guardrail construction failed, failing open",
				"error", buildErr, "request_id", req.RequestID)
		} else {
			decisionID := o.newID()
			logger.Error("guardrail construction failed",
				"error", buildErr, "request_id", req.RequestID)
			o.audit.Emit(audit.Decision{
				DecisionID:  decisionID,
				RequestID:   req.RequestID,
				TenantID:    reqCtx.TenantID,
				WorkspaceID: reqCtx.WorkspaceID,
				AgentID:     reqCtx.AgentID,
				Direction:   governance.DirectionRequest,
				Method:      method,
				ToolName:    tool,
				FinalAction: governance.ActionBlock,
				Marker:      audit.MarkerGuardrailBuildFailure,
				CreatedAt:   o.clock().UTC(),
			})
			return &ProxyResponse{
				Status: http.StatusForbidden,
				Body: mcp.NewErrorResponse(rawID, mcp.CodeGovernanceBlock, "guardrail configuration failed", &mcp.ErrorData{
					DecisionID: decisionID,
					Action:     mcp.BlockActionRequest,
				}),
				RequestDecisionID: decisionID,
			}, nil
		}
	}
	pipeline := governance.NewPipeline(evaluators, logger)

	// Request direction.
	reqStart := o.clock()
	reqOutcome := o.runPipeline(ctx, pipeline, governance.DirectionRequest,
		parseBody(req.ContentType, req.Body), reqCtx, logger)
	reqDecisionID := o.newID()

	if reqOutcome.Blocked() {
		o.emitDecision(reqCtx, reqDecisionID, governance.DirectionRequest, method, tool, reqOutcome, "", 0, reqStart)
		resp := o.blockedResponse(rawID, reqDecisionID, reqOutcome, governance.DirectionRequest)
		resp.RequestDecisionID = reqDecisionID
		return resp, nil
	}

	reqBody, err := reqOutcome.Body.Bytes()
	if err != nil {
		if reqCtx.FailMode == governance.FailOpen {
			logger.Warn("rewritten request body failed to encode, forwarding original",
				"error", err, "request_id", req.RequestID)
			reqBody = req.Body
		} else {
			logger.Error("rewritten request body failed to encode",
				"error", err, "request_id", req.RequestID)
			reqOutcome.FinalAction = governance.ActionBlock
			o.emitDecision(reqCtx, reqDecisionID, governance.DirectionRequest, method, tool, reqOutcome,
				audit.MarkerBodyEncodeFailure, 0, reqStart)
			return &ProxyResponse{
				Status: http.StatusForbidden,
				Body: mcp.NewErrorResponse(rawID, mcp.CodeGovernanceBlock, "request blocked by governance policy", &mcp.ErrorData{
					DecisionID: reqDecisionID,
					Action:     mcp.BlockActionRequest,
				}),
				RequestDecisionID: reqDecisionID,
			}, nil
		}
	}

	upResp, err := o.upstream.Forward(ctx, reqCtx, &upstream.Request{
		Method:     req.Method,
		Path:       req.Path,
		Header:     req.Header,
		Body:       reqBody,
		ClientAddr: req.ClientAddr,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			o.emitDecision(reqCtx, reqDecisionID, governance.DirectionRequest, method, tool, reqOutcome,
				audit.MarkerClientDisconnected, 0, reqStart)
			logger.Info("client disconnected before upstream response", "request_id", req.RequestID)
			return nil, ErrClientGone
		}
		o.emitDecision(reqCtx, reqDecisionID, governance.DirectionRequest, method, tool, reqOutcome, "", 0, reqStart)
		resp := o.upstreamErrorResponse(rawID, reqDecisionID, err)
		resp.RequestDecisionID = reqDecisionID
		logger.Warn("upstream request failed", "error", err, "request_id", req.RequestID)
		return resp, nil
	}
	o.emitDecision(reqCtx, reqDecisionID, governance.DirectionRequest, method, tool, reqOutcome, "", upResp.Attempts, reqStart)

	// Response direction.
	respStart := o.clock()
	respOutcome := o.runPipeline(ctx, pipeline, governance.DirectionResponse,
		parseBody(upResp.Header.Get("Content-Type"), upResp.Body), reqCtx, logger)
	respDecisionID := o.newID()

	if respOutcome.Blocked() {
		o.emitDecision(reqCtx, respDecisionID, governance.DirectionResponse, method, tool, respOutcome, "", 0, respStart)
		resp := o.blockedResponse(rawID, respDecisionID, respOutcome, governance.DirectionResponse)
		resp.RequestDecisionID = reqDecisionID
		resp.ResponseDecisionID = respDecisionID
		return resp, nil
	}

	respBody, err := respOutcome.Body.Bytes()
	if err != nil {
		if reqCtx.FailMode == governance.FailOpen {
			logger.Warn("rewritten response body failed to encode, returning original",
				"error", err, "request_id", req.RequestID)
			respBody = upResp.Body
		} else {
			logger.Error("rewritten response body failed to encode",
				"error", err, "request_id", req.RequestID)
			respOutcome.FinalAction = governance.ActionBlock
			o.emitDecision(reqCtx, respDecisionID, governance.DirectionResponse, method, tool, respOutcome,
				audit.MarkerBodyEncodeFailure, 0, respStart)
			return &ProxyResponse{
				Status: http.StatusForbidden,
				Body: mcp.NewErrorResponse(rawID, mcp.CodeGovernanceBlock, "response blocked by governance policy", &mcp.ErrorData{
					DecisionID: respDecisionID,
					Action:     mcp.BlockActionResponse,
				}),
				RequestDecisionID:  reqDecisionID,
				ResponseDecisionID: respDecisionID,
			}, nil
		}
	}
	o.emitDecision(reqCtx, respDecisionID, governance.DirectionResponse, method, tool, respOutcome, "", 0, respStart)

	return &ProxyResponse{
		Status:             upResp.StatusCode,
		Header:             filterResponseHeader(upResp.Header),
		Body:               respBody,
		RequestDecisionID:  reqDecisionID,
		ResponseDecisionID: respDecisionID,
	}, nil
}

// runPipeline evaluates one direction under the workspace decision budget.
// An expired budget maps to block under fail-closed and to allow
// passthrough under fail-open.
func (o *ProxyOrchestrator) runPipeline(ctx context.Context, pipeline *governance.Pipeline, direction governance.Direction, body *governance.Body, reqCtx *governance.RequestContext, logger *slog.Logger) *governance.Outcome {
	decisionCtx, cancel := context.WithTimeout(ctx, reqCtx.DecisionTimeout)
	defer cancel()

	outcome := pipeline.Run(decisionCtx, direction, body, reqCtx)

	if decisionCtx.Err() != nil && ctx.Err() == nil && !outcome.Blocked() {
		if reqCtx.FailMode == governance.FailOpen {
			logger.Warn("decision budget exceeded, failing open",
				"direction", direction, "request_id", reqCtx.RequestID)
			return outcome
		}
		outcome.FinalAction = governance.ActionBlock
		outcome.BlockedBy = guardrailDecisionTimeout
		outcome.Events = append(outcome.Events, governance.Event{
			GuardrailType: guardrailDecisionTimeout,
			Action:        governance.ActionBlock,
			Triggered:     true,
			Error:         "decision deadline exceeded",
		})
		logger.Warn("decision budget exceeded, failing closed",
			"direction", direction, "request_id", reqCtx.RequestID)
	}
	return outcome
}

func (o *ProxyOrchestrator) emitDecision(reqCtx *governance.RequestContext, decisionID string, direction governance.Direction, method, tool string, outcome *governance.Outcome, marker string, attempts int, started time.Time) {
	o.audit.Emit(audit.Decision{
		DecisionID:       decisionID,
		RequestID:        reqCtx.RequestID,
		TenantID:         reqCtx.TenantID,
		WorkspaceID:      reqCtx.WorkspaceID,
		AgentID:          reqCtx.AgentID,
		Direction:        direction,
		Method:           method,
		ToolName:         tool,
		FinalAction:      outcome.FinalAction,
		Events:           outcome.Events,
		Marker:           marker,
		UpstreamAttempts: attempts,
		ProcessingTimeMS: o.clock().Sub(started).Milliseconds(),
		CreatedAt:        o.clock().UTC(),
	})
}

// blockedResponse translates a block or throttle outcome into the JSON-RPC
// error envelope and its HTTP status.
func (o *ProxyOrchestrator) blockedResponse(rawID json.RawMessage, decisionID string, outcome *governance.Outcome, direction governance.Direction) *ProxyResponse {
	data := &mcp.ErrorData{
		DecisionID:          decisionID,
		GuardrailsTriggered: outcome.TriggeredNames(),
	}

	if outcome.FinalAction == governance.ActionThrottle {
		data.Action = mcp.BlockActionThrottle
		data.RetryAfterSeconds = int((outcome.RetryAfter + time.Second - 1) / time.Second)
		return &ProxyResponse{
			Status:     http.StatusTooManyRequests,
			Body:       mcp.NewErrorResponse(rawID, mcp.CodeGovernanceBlock, "rate limit exceeded", data),
			RetryAfter: outcome.RetryAfter,
		}
	}

	message := "request blocked by governance policy"
	data.Action = mcp.BlockActionRequest
	if direction == governance.DirectionResponse {
		message = "response blocked by governance policy"
		data.Action = mcp.BlockActionResponse
	}
	return &ProxyResponse{
		Status: http.StatusForbidden,
		Body:   mcp.NewErrorResponse(rawID, mcp.CodeGovernanceBlock, message, data),
	}
}

// upstreamErrorResponse maps forwarding failures to 504/502 with the
// matching JSON-RPC error code.
func (o *ProxyOrchestrator) upstreamErrorResponse(rawID json.RawMessage, decisionID string, err error) *ProxyResponse {
	data := &mcp.ErrorData{DecisionID: decisionID}
	if errors.Is(err, upstream.ErrUpstreamTimeout) {
		return &ProxyResponse{
			Status: http.StatusGatewayTimeout,
			Body:   mcp.NewErrorResponse(rawID, mcp.CodeUpstreamTimeout, "upstream timeout", data),
		}
	}
	return &ProxyResponse{
		Status: http.StatusBadGateway,
		Body:   mcp.NewErrorResponse(rawID, mcp.CodeUpstreamError, "upstream unavailable", data),
	}
}

// parseBody decodes the payload for content-aware guardrails when the
// content type permits; anything else passes through opaque. A JSON body
// that fails to parse also degrades to opaque rather than erroring.
func parseBody(contentType string, raw []byte) *governance.Body {
	if jsonContentType(contentType) {
		return governance.NewBody(raw)
	}
	return governance.NewOpaqueBody(raw)
}

func jsonContentType(ct string) bool {
	if ct == "" {
		return true
	}
	return strings.Contains(strings.ToLower(ct), "json")
}

// filterResponseHeader drops hop-by-hop and cookie headers from the
// upstream response, plus Content-Length which the handler recomputes.
func filterResponseHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
		"Set-Cookie", "Content-Length",
	} {
		out.Del(name)
	}
	return out
}
