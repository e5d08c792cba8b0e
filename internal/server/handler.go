package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/complyd/internal/metrics"
	"github.com/l0p7/complyd/internal/runtime"
	"github.com/l0p7/complyd/internal/runtime/pipeline"
	"github.com/l0p7/complyd/internal/verdict"
)

const (
	defaultCorrelationHeader = "X-Request-ID"
	defaultMaxBodyBytes      = 2 << 20

	// deadlineHeader lets a caller shorten the evaluation budget below
	// the server-wide default, in milliseconds.
	deadlineHeader = "X-Complyd-Deadline-Ms"
)

// Runtime is the surface the HTTP handler needs from the orchestrator.
type Runtime interface {
	Evaluate(ctx context.Context, req runtime.Request) (verdict.Aggregated, error)
	Health() runtime.Health
}

// HandlerOptions wires the HTTP surface to the runtime.
type HandlerOptions struct {
	Runtime           Runtime
	Metrics           *metrics.Recorder
	Logger            *slog.Logger
	CorrelationHeader string
	MaxBodyBytes      int64
}

type evaluateRequest struct {
	RequestType string            `json:"requestType"`
	Content     string            `json:"content"`
	Context     map[string]string `json:"context,omitempty"`
}

type evaluateResponse struct {
	Verdict       string          `json:"verdict"`
	Confidence    float64         `json:"confidence"`
	Provenance    string          `json:"provenance"`
	RuleSet       string          `json:"ruleSet,omitempty"`
	Correlation   string          `json:"correlation"`
	Degraded      bool            `json:"degraded,omitempty"`
	ElapsedMillis float64         `json:"elapsedMillis"`
	Stages        []stageResponse `json:"stages,omitempty"`
}

type stageResponse struct {
	Stage         string  `json:"stage"`
	Verdict       string  `json:"verdict"`
	Confidence    float64 `json:"confidence"`
	ElapsedMillis float64 `json:"elapsedMillis"`
	Failure       string  `json:"failure,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Correlation string `json:"correlation,omitempty"`
}

// NewHandler builds the HTTP surface: POST /v1/evaluate, GET /healthz, and
// GET /metrics.
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := strings.TrimSpace(opts.CorrelationHeader)
	if header == "" {
		header = defaultCorrelationHeader
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	h := &handler{
		runtime:           opts.Runtime,
		logger:            logger.With(slog.String("component", "http")),
		correlationHeader: header,
		maxBodyBytes:      maxBody,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", h.evaluate)
	mux.HandleFunc("GET /healthz", h.health)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	return mux
}

type handler struct {
	runtime           Runtime
	logger            *slog.Logger
	correlationHeader string
	maxBodyBytes      int64
}

func (h *handler) evaluate(w http.ResponseWriter, r *http.Request) {
	correlation := strings.TrimSpace(r.Header.Get(h.correlationHeader))

	var req evaluateRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", correlation)
			return
		}
		h.writeError(w, http.StatusBadRequest, "malformed request body", correlation)
		return
	}
	if strings.TrimSpace(req.RequestType) == "" {
		h.writeError(w, http.StatusBadRequest, "requestType required", correlation)
		return
	}

	ctx := r.Context()
	if raw := strings.TrimSpace(r.Header.Get(deadlineHeader)); raw != "" {
		budget, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || budget <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid "+deadlineHeader+" header", correlation)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(budget)*time.Millisecond)
		defer cancel()
	}

	agg, err := h.runtime.Evaluate(ctx, runtime.Request{
		Type:        req.RequestType,
		Content:     []byte(req.Content),
		Context:     req.Context,
		Correlation: correlation,
	})
	if err != nil {
		status := http.StatusInternalServerError
		message := "evaluation failed"
		switch {
		case errors.Is(err, runtime.ErrDeadlineExceeded):
			status = http.StatusGatewayTimeout
			message = "evaluation deadline exceeded"
		case errors.Is(err, pipeline.ErrValidationUnavailable):
			status = http.StatusServiceUnavailable
			message = "validation unavailable"
		}
		h.logger.Warn("evaluate failed",
			slog.String("requestType", req.RequestType),
			slog.String("correlation", correlation),
			slog.Any("error", err))
		h.writeError(w, status, message, correlation)
		return
	}

	resp := evaluateResponse{
		Verdict:       agg.Verdict.String(),
		Confidence:    agg.Confidence,
		Provenance:    string(agg.Provenance),
		RuleSet:       agg.RuleSet,
		Correlation:   agg.Correlation,
		Degraded:      agg.Degraded,
		ElapsedMillis: durationMillis(agg.Elapsed),
	}
	for _, stage := range agg.Stages {
		resp.Stages = append(resp.Stages, stageResponse{
			Stage:         stage.Stage,
			Verdict:       stage.Verdict.String(),
			Confidence:    stage.Confidence,
			ElapsedMillis: durationMillis(stage.Elapsed),
			Failure:       stage.Failure,
		})
	}
	w.Header().Set(h.correlationHeader, agg.Correlation)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.runtime.Health())
}

func (h *handler) writeError(w http.ResponseWriter, status int, message, correlation string) {
	h.writeJSON(w, status, errorResponse{Error: message, Correlation: correlation})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("response encode failed", slog.Any("error", err))
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
