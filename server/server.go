// Package server exposes the facilitator HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"facilitatord/facilitator"
	"facilitatord/observability"
	"facilitatord/protocol"
)

const maxRequestBody = 1 << 20

// Server routes verification and settlement requests to the facilitator
// service.
type Server struct {
	svc     *facilitator.Service
	limiter *RateLimiter
	logger  *slog.Logger
	metrics interface {
		RecordVerification(network, result string)
		RecordSettlement(network, result string, elapsed time.Duration)
	}
	nowFn func() time.Time
}

// paymentRequest is the envelope accepted by POST /verify and POST /settle.
type paymentRequest struct {
	X402Version         int                          `json:"x402Version"`
	PaymentPayload      protocol.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements protocol.PaymentRequirements `json:"paymentRequirements"`
}

// New constructs the HTTP server around a facilitator service.
func New(svc *facilitator.Service, limiter *RateLimiter, logger *slog.Logger) *Server {
	if svc == nil {
		panic("facilitator service required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:     svc,
		limiter: limiter,
		logger:  logger,
		metrics: observability.Facilitator(),
		nowFn:   time.Now,
	}
}

// Router assembles the chi router with rate limiting and telemetry
// instrumentation applied per endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/supported", s.handleSupported)

	verify := http.HandlerFunc(s.handleVerify)
	settle := http.HandlerFunc(s.handleSettle)
	if s.limiter != nil {
		r.Method(http.MethodPost, "/verify", s.limiter.Middleware("verify")(verify))
		r.Method(http.MethodPost, "/settle", s.limiter.Middleware("settle")(settle))
	} else {
		r.Method(http.MethodPost, "/verify", verify)
		r.Method(http.MethodPost, "/settle", settle)
	}

	return otelhttp.NewHandler(r, "facilitator")
}

// Run serves HTTP until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Supported())
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodePayment(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.svc.Verify(r.Context(), &req.PaymentPayload, &req.PaymentRequirements)
	if err != nil {
		if errors.Is(err, facilitator.ErrUnsupported) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.Error("verify failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	result := "valid"
	if !resp.Valid {
		result = string(resp.InvalidReason)
	}
	s.metrics.RecordVerification(string(req.PaymentPayload.Network), result)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodePayment(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	started := s.nowFn()
	resp, err := s.svc.Settle(r.Context(), &req.PaymentPayload, &req.PaymentRequirements)
	if err != nil {
		if errors.Is(err, facilitator.ErrUnsupported) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.Error("settle failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	result := "success"
	if !resp.Success {
		result = string(resp.ErrorReason)
	}
	s.metrics.RecordSettlement(string(req.PaymentPayload.Network), result, s.nowFn().Sub(started))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decodePayment(w http.ResponseWriter, r *http.Request) (*paymentRequest, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	var req paymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if req.X402Version != 0 && req.X402Version != protocol.X402Version {
		return nil, fmt.Errorf("unsupported x402 version %d", req.X402Version)
	}
	if len(req.PaymentPayload.Payload) == 0 {
		return nil, errors.New("paymentPayload required")
	}
	return &req, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
