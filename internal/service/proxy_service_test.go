package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cerberus-gate/cerberus/internal/adapter/outbound/upstream"
	"github.com/cerberus-gate/cerberus/internal/domain/audit"
	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

type fakeAuth struct {
	reqCtx *governance.RequestContext
	err    error
}

func (a *fakeAuth) Authenticate(_ context.Context, requestID, _ string) (*governance.RequestContext, error) {
	if a.err != nil {
		return nil, a.err
	}
	ctx := *a.reqCtx
	ctx.RequestID = requestID
	return &ctx, nil
}

type fakePolicies struct {
	set *governance.EffectivePolicySet
	err error
}

func (p *fakePolicies) Resolve(context.Context, *governance.RequestContext) (*governance.EffectivePolicySet, error) {
	return p.set, p.err
}

type fakeForwarder struct {
	mu       sync.Mutex
	calls    int
	lastReq  *upstream.Request
	response *upstream.Response
	err      error
}

func (f *fakeForwarder) Forward(_ context.Context, _ *governance.RequestContext, req *upstream.Request) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu        sync.Mutex
	decisions []audit.Decision
}

func (s *recordingSink) Emit(d audit.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
}

func (s *recordingSink) all() []audit.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

type stubCounters struct {
	count int64
	err   error
}

func (c *stubCounters) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return c.count, c.err
}

func (c *stubCounters) Get(context.Context, string) (int64, error) { return 0, c.err }

// wireError mirrors the JSON-RPC error envelope for assertions.
type wireErrorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
		Data    struct {
			DecisionID          string   `json:"decision_id"`
			Action              string   `json:"action"`
			GuardrailsTriggered []string `json:"guardrails_triggered"`
			RetryAfterSeconds   int      `json:"retry_after_seconds"`
		} `json:"data"`
	} `json:"error"`
}

func decodeWireError(t *testing.T, body []byte) wireErrorEnvelope {
	t.Helper()
	var env wireErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("invalid error envelope %s: %v", body, err)
	}
	return env
}

func orchestratorReqCtx() *governance.RequestContext {
	return &governance.RequestContext{
		TenantID:        "t-1",
		WorkspaceID:     "ws-1",
		AgentID:         "ag-1",
		UpstreamURL:     "http://upstream.local",
		FailMode:        governance.FailClosed,
		DecisionTimeout: time.Second,
	}
}

func policySet(policies ...governance.EffectivePolicy) *governance.EffectivePolicySet {
	return &governance.EffectivePolicySet{Policies: policies, ResolvedAt: time.Now()}
}

type orchestratorFixture struct {
	orch *ProxyOrchestrator
	fwd  *fakeForwarder
	sink *recordingSink
}

func newFixture(t *testing.T, set *governance.EffectivePolicySet, resolveErr error, fwd *fakeForwarder, counters governance.CounterStore) *orchestratorFixture {
	t.Helper()
	sink := &recordingSink{}
	ids := 0
	registry := governance.NewRegistry(governance.Deps{
		Counters: counters,
		Logger:   discardLogger(),
	})
	orch := NewProxyOrchestrator(
		&fakeAuth{reqCtx: orchestratorReqCtx()},
		&fakePolicies{set: set, err: resolveErr},
		registry,
		fwd,
		sink,
		discardLogger(),
		WithDecisionIDs(func() string {
			ids++
			return fmt.Sprintf("d-%d", ids)
		}),
	)
	return &orchestratorFixture{orch: orch, fwd: fwd, sink: sink}
}

func toolCallRequest(tool string) *ProxyRequest {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":{}}}`, tool)
	return &ProxyRequest{
		RequestID:     "req-1",
		Authorization: "Bearer cak_test",
		Method:        http.MethodPost,
		Path:          "mcp",
		ContentType:   "application/json",
		Body:          []byte(body),
		ClientAddr:    "203.0.113.9",
	}
}

func jsonUpstreamResponse(body string) *upstream.Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &upstream.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       []byte(body),
		Attempts:   1,
	}
}

func TestHandleUnauthorized(t *testing.T) {
	fwd := &fakeForwarder{}
	fix := newFixture(t, policySet(), nil, fwd, nil)
	fix.orch.auth = &fakeAuth{err: errors.New("bad key")}

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.Status)
	}
	if fwd.callCount() != 0 {
		t.Error("upstream contacted for unauthenticated request")
	}
	if len(fix.sink.all()) != 0 {
		t.Error("audit decision emitted for unauthenticated request")
	}
}

func TestHandlePassthroughWithoutGuardrails(t *testing.T) {
	upstreamBody := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"hello"}]}}`
	up := jsonUpstreamResponse(upstreamBody)
	up.Header.Set("X-Custom", "1")
	up.Header.Set("Set-Cookie", "session=1")
	fwd := &fakeForwarder{response: up}
	fix := newFixture(t, policySet(), nil, fwd, nil)

	req := toolCallRequest("get_article")
	resp, err := fix.orch.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != upstreamBody {
		t.Errorf("body = %s, want upstream bytes verbatim", resp.Body)
	}
	if string(fix.fwd.lastReq.Body) != string(req.Body) {
		t.Errorf("forwarded body = %s, want request bytes verbatim", fix.fwd.lastReq.Body)
	}
	if resp.Header.Get("X-Custom") != "1" {
		t.Error("upstream header X-Custom lost")
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Error("Set-Cookie leaked to client")
	}
	if resp.RequestDecisionID != "d-1" || resp.ResponseDecisionID != "d-2" {
		t.Errorf("decision ids = %q/%q", resp.RequestDecisionID, resp.ResponseDecisionID)
	}

	decisions := fix.sink.all()
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	if decisions[0].Direction != governance.DirectionRequest || decisions[0].FinalAction != governance.ActionAllow {
		t.Errorf("request decision = %+v", decisions[0])
	}
	if decisions[0].UpstreamAttempts != 1 {
		t.Errorf("upstream attempts = %d, want 1", decisions[0].UpstreamAttempts)
	}
	if decisions[1].Direction != governance.DirectionResponse || decisions[1].FinalAction != governance.ActionAllow {
		t.Errorf("response decision = %+v", decisions[1])
	}
	if decisions[0].ToolName != "get_article" || decisions[0].Method != "tools/call" {
		t.Errorf("decision metadata = %q/%q", decisions[0].Method, decisions[0].ToolName)
	}
}

func TestHandleRequestBlockedByToolPolicy(t *testing.T) {
	fwd := &fakeForwarder{}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypeRBAC,
		Action:        governance.ActionBlock,
		Config: map[string]interface{}{
			"default_action": "deny",
			"allowed_tools":  []interface{}{"search_articles", "get_article"},
			"denied_tools":   []interface{}{"create_article"},
		},
	}), nil, fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("create_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.Status)
	}
	env := decodeWireError(t, resp.Body)
	if env.Error.Code != -32001 {
		t.Errorf("code = %d, want -32001", env.Error.Code)
	}
	if env.Error.Data.Action != "block_request" {
		t.Errorf("action = %q, want block_request", env.Error.Data.Action)
	}
	if len(env.Error.Data.GuardrailsTriggered) != 1 || env.Error.Data.GuardrailsTriggered[0] != "rbac" {
		t.Errorf("guardrails = %v, want [rbac]", env.Error.Data.GuardrailsTriggered)
	}
	if string(env.ID) != "1" {
		t.Errorf("id = %s, want echoed 1", env.ID)
	}
	if fwd.callCount() != 0 {
		t.Error("upstream contacted for blocked request")
	}

	decisions := fix.sink.all()
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	if decisions[0].Direction != governance.DirectionRequest || decisions[0].FinalAction != governance.ActionBlock {
		t.Errorf("decision = %+v", decisions[0])
	}
}

func TestHandleResponseBlockedOnSensitiveContent(t *testing.T) {
	fwd := &fakeForwarder{response: jsonUpstreamResponse(
		`{"jsonrpc":"2.0","id":1,"result":{"text":"SSN is 123-45-6789"}}`)}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypePIISSN,
		Action:        governance.ActionBlock,
	}), nil, fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.Status)
	}
	env := decodeWireError(t, resp.Body)
	if env.Error.Code != -32001 {
		t.Errorf("code = %d, want -32001", env.Error.Code)
	}
	if env.Error.Data.Action != "block_response" {
		t.Errorf("action = %q, want block_response", env.Error.Data.Action)
	}
	if len(env.Error.Data.GuardrailsTriggered) != 1 || env.Error.Data.GuardrailsTriggered[0] != "pii_ssn" {
		t.Errorf("guardrails = %v, want [pii_ssn]", env.Error.Data.GuardrailsTriggered)
	}

	decisions := fix.sink.all()
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	if decisions[1].Direction != governance.DirectionResponse || decisions[1].FinalAction != governance.ActionBlock {
		t.Errorf("response decision = %+v", decisions[1])
	}
}

func TestHandleResponseRedaction(t *testing.T) {
	fwd := &fakeForwarder{response: jsonUpstreamResponse(
		`{"jsonrpc":"2.0","id":1,"result":{"text":"contact me at jane@example.com"}}`)}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypePIIEmail,
		Action:        governance.ActionRedact,
	}), nil, fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		t.Fatalf("response body not JSON: %v", err)
	}
	text := decoded["result"].(map[string]interface{})["text"].(string)
	if text != "contact me at [REDACTED:EMAIL]" {
		t.Errorf("text = %q, want redacted", text)
	}

	decisions := fix.sink.all()
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	if decisions[1].FinalAction != governance.ActionModify {
		t.Errorf("response final action = %s, want modify", decisions[1].FinalAction)
	}
}

func TestHandleThrottle(t *testing.T) {
	fwd := &fakeForwarder{}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypeRateLimitPerMinute,
		Action:        governance.ActionThrottle,
		Config:        map[string]interface{}{"limit": 10},
	}), nil, fwd, &stubCounters{count: 11})

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.Status)
	}
	if resp.RetryAfter <= 0 || resp.RetryAfter > time.Minute {
		t.Errorf("retry after = %s, want within one window", resp.RetryAfter)
	}
	env := decodeWireError(t, resp.Body)
	if env.Error.Data.Action != "throttle" {
		t.Errorf("action = %q, want throttle", env.Error.Data.Action)
	}
	if env.Error.Data.RetryAfterSeconds <= 0 {
		t.Error("retry_after_seconds missing from error data")
	}
	if fwd.callCount() != 0 {
		t.Error("upstream contacted for throttled request")
	}
}

func TestHandleUpstreamTimeout(t *testing.T) {
	fwd := &fakeForwarder{err: fmt.Errorf("%w: deadline", upstream.ErrUpstreamTimeout)}
	fix := newFixture(t, policySet(), nil, fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.Status)
	}
	if env := decodeWireError(t, resp.Body); env.Error.Code != -32002 {
		t.Errorf("code = %d, want -32002", env.Error.Code)
	}
}

func TestHandleUpstreamUnavailable(t *testing.T) {
	fwd := &fakeForwarder{err: fmt.Errorf("%w: refused", upstream.ErrUpstreamUnavailable)}
	fix := newFixture(t, policySet(), nil, fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.Status)
	}
	if env := decodeWireError(t, resp.Body); env.Error.Code != -32003 {
		t.Errorf("code = %d, want -32003", env.Error.Code)
	}
}

func TestHandleClientDisconnected(t *testing.T) {
	fwd := &fakeForwarder{err: context.Canceled}
	fix := newFixture(t, policySet(), nil, fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("Handle() error = %v, want ErrClientGone", err)
	}
	if resp != nil {
		t.Error("response returned for disconnected client")
	}

	decisions := fix.sink.all()
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	if decisions[0].Marker != audit.MarkerClientDisconnected {
		t.Errorf("marker = %q, want %q", decisions[0].Marker, audit.MarkerClientDisconnected)
	}
}

func TestHandlePolicyLoadFailureFailsClosed(t *testing.T) {
	fwd := &fakeForwarder{}
	fix := newFixture(t, nil, fmt.Errorf("%w: db down", governance.ErrPolicyLoad), fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.Status)
	}
	if env := decodeWireError(t, resp.Body); env.Error.Code != -32001 {
		t.Errorf("code = %d, want -32001", env.Error.Code)
	}
	if fwd.callCount() != 0 {
		t.Error("upstream contacted after policy load failure")
	}

	decisions := fix.sink.all()
	if len(decisions) != 1 || decisions[0].Marker != "policy_load_failure" {
		t.Fatalf("decisions = %+v, want one with policy_load_failure marker", decisions)
	}
}

func TestHandleGuardrailBuildFailureFailsClosed(t *testing.T) {
	// A rate-limit policy with no counter store cannot construct; under
	// fail-closed the request must block rather than run unenforced.
	fwd := &fakeForwarder{}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypeRateLimitPerMinute,
		Action:        governance.ActionThrottle,
		Config:        map[string]interface{}{"limit": 10},
	}), nil, fwd, nil)

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.Status)
	}
	if env := decodeWireError(t, resp.Body); env.Error.Code != -32001 {
		t.Errorf("code = %d, want -32001", env.Error.Code)
	}
	if fwd.callCount() != 0 {
		t.Error("upstream contacted after guardrail build failure")
	}

	decisions := fix.sink.all()
	if len(decisions) != 1 || decisions[0].Marker != audit.MarkerGuardrailBuildFailure {
		t.Fatalf("decisions = %+v, want one with %s marker", decisions, audit.MarkerGuardrailBuildFailure)
	}
}

func TestHandleGuardrailBuildFailureFailsOpen(t *testing.T) {
	upstreamBody := `{"jsonrpc":"2.0","id":1,"result":{}}`
	fwd := &fakeForwarder{response: jsonUpstreamResponse(upstreamBody)}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypeRateLimitPerMinute,
		Action:        governance.ActionThrottle,
		Config:        map[string]interface{}{"limit": 10},
	}), nil, fwd, nil)
	openCtx := orchestratorReqCtx()
	openCtx.FailMode = governance.FailOpen
	fix.orch.auth = &fakeAuth{reqCtx: openCtx}

	resp, err := fix.orch.Handle(context.Background(), toolCallRequest("get_article"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != upstreamBody {
		t.Errorf("body = %s, want passthrough", resp.Body)
	}
	if fwd.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", fwd.callCount())
	}
}

func TestHandleForwardsRedactedBodyWithToken(t *testing.T) {
	// A request-direction redaction with an angle-bracket token must reach
	// the upstream with the token and surrounding content verbatim.
	fwd := &fakeForwarder{response: jsonUpstreamResponse(`{"jsonrpc":"2.0","id":1,"result":{}}`)}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypePIIPhone,
		Action:        governance.ActionRedact,
		Config:        map[string]interface{}{"redaction_pattern": "<<{type}>>"},
	}), nil, fwd, nil)

	req := toolCallRequest("send_sms")
	req.Body = []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"send_sms","arguments":{"text":"call (555) 123-4567 & ask for Sam"}}}`)

	resp, err := fix.orch.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}

	forwarded := string(fix.fwd.lastReq.Body)
	if strings.Contains(forwarded, "123-4567") {
		t.Errorf("phone number leaked upstream: %s", forwarded)
	}
	if !strings.Contains(forwarded, "<<PHONE>>") {
		t.Errorf("forwarded body = %s, want <<PHONE>> token", forwarded)
	}
	if !strings.Contains(forwarded, "& ask for Sam") {
		t.Errorf("untouched content rewritten: %s", forwarded)
	}

	decisions := fix.sink.all()
	if len(decisions) != 2 || decisions[0].FinalAction != governance.ActionModify {
		t.Fatalf("decisions = %+v, want request decision with modify", decisions)
	}
}

func TestHandleOpaqueBodySkipsContentGuardrails(t *testing.T) {
	// The SSN in a non-JSON body must not trigger content scanning; the
	// request passes through opaque.
	upstreamBody := "plain text response"
	up := &upstream.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(upstreamBody), Attempts: 1}
	fwd := &fakeForwarder{response: up}
	fix := newFixture(t, policySet(governance.EffectivePolicy{
		GuardrailType: governance.TypePIISSN,
		Action:        governance.ActionBlock,
	}), nil, fwd, nil)

	req := toolCallRequest("get_article")
	req.ContentType = "application/octet-stream"
	req.Body = []byte("SSN is 123-45-6789")

	resp, err := fix.orch.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != upstreamBody {
		t.Errorf("body = %s, want passthrough", resp.Body)
	}
}
