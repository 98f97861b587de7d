package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cerberus-gate/cerberus/internal/service"
)

// DefaultMaxBodyBytes caps proxied request bodies at 10 MiB.
const DefaultMaxBodyBytes = 10 << 20

// ProxyHandler serves the governed proxy endpoint. It translates the HTTP
// request into the orchestrator's terms and writes the verdict back.
type ProxyHandler struct {
	orchestrator *service.ProxyOrchestrator
	metrics      *Metrics
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewProxyHandler builds the proxy endpoint handler. metrics may be nil.
func NewProxyHandler(orchestrator *service.ProxyOrchestrator, metrics *Metrics, logger *slog.Logger) *ProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, []byte(`{"error":"request body too large"}`))
			return
		}
		logger.Warn("failed to read request body", "error", err)
		writeJSON(w, http.StatusBadRequest, []byte(`{"error":"unreadable request body"}`))
		return
	}

	resp, err := h.orchestrator.Handle(r.Context(), &service.ProxyRequest{
		RequestID:     RequestIDFromContext(r.Context()),
		Authorization: r.Header.Get("Authorization"),
		Method:        r.Method,
		Path:          r.PathValue("path"),
		ContentType:   r.Header.Get("Content-Type"),
		Header:        r.Header,
		Body:          body,
		ClientAddr:    extractRealIP(r),
	})
	if errors.Is(err, service.ErrClientGone) {
		// Nobody is listening; the audit trail already has the marker.
		return
	}
	if err != nil {
		logger.Error("proxy orchestration failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, []byte(`{"error":"internal error"}`))
		return
	}

	for name, values := range resp.Header {
		// X-Request-ID is set by middleware; keep the correlation value.
		if name == "X-Request-Id" {
			continue
		}
		w.Header()[name] = values
	}
	if resp.RequestDecisionID != "" {
		w.Header().Set("X-Request-Decision-ID", resp.RequestDecisionID)
	}
	if resp.ResponseDecisionID != "" {
		w.Header().Set("X-Response-Decision-ID", resp.ResponseDecisionID)
	}
	if resp.RetryAfter > 0 {
		secs := int((resp.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))

	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		logger.Debug("failed to write response body", "error", err)
	}

	if h.metrics != nil {
		h.metrics.RecordOutcome(resp.Status)
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
