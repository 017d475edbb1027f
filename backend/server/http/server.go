package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/moshi-moshi/backend/callsession"
	"github.com/adwski/moshi-moshi/backend/chat"
	"github.com/adwski/moshi-moshi/backend/presence"
	"github.com/adwski/moshi-moshi/backend/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultRequestTimeout   = 15 * time.Second
	defaultMaxBodySize      = 64 << 10
)

var (
	ErrUnexpected    = errors.New("unexpected server error")
	ErrUnknownAction = errors.New("unknown call action")
	ErrBadStatus     = errors.New("status can only be set to Online or Offline")
	ErrMissingStatus = errors.New("status is required")
)

type CallService interface {
	Snapshot(ctx context.Context) (callsession.Snapshot, error)
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	End(ctx context.Context) error
	HangUp(ctx context.Context) error
	SendMessage(ctx context.Context, text string) error
	SetAutoReply(ctx context.Context, text string) error
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
}

type TextRequest struct {
	Text string `json:"text"`
}

type StatusRequest struct {
	Status *presence.Status `json:"status"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    CallService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	CallService CallService
	// Gatherer backs /metrics, prometheus.DefaultGatherer when nil.
	Gatherer   prometheus.Gatherer
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.CallService,
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/session", srv.session)
	r.HandleFunc("POST /api/call/{action}", srv.callAction)
	r.HandleFunc("POST /api/chat", srv.sendMessage)
	r.HandleFunc("PUT /api/auto-reply", srv.setAutoReply)
	r.HandleFunc("POST /api/status", srv.setStatus)
	r.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, PUT, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) session(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()

	snap, err := srv.svc.Snapshot(ctx)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: snap})
}

func (srv *Server) callAction(w http.ResponseWriter, r *http.Request) {
	var action func(context.Context) error
	switch r.PathValue("action") {
	case "accept":
		action = srv.svc.Accept
	case "decline":
		action = srv.svc.Decline
	case "end":
		action = srv.svc.End
	case "hangup":
		action = srv.svc.HangUp
	default:
		srv.writeResponse(w, http.StatusNotFound, &GenericResponse{Error: ErrUnknownAction.Error()})
		return
	}
	srv.logger.Trace().Str("action", r.PathValue("action")).Msg("got call action")
	srv.run(w, r, action)
}

func (srv *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	srv.run(w, r, func(ctx context.Context) error {
		return srv.svc.SendMessage(ctx, req.Text)
	})
}

func (srv *Server) setAutoReply(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	srv.run(w, r, func(ctx context.Context) error {
		return srv.svc.SetAutoReply(ctx, req.Text)
	})
}

func (srv *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	if req.Status == nil {
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: ErrMissingStatus.Error()})
		return
	}
	switch *req.Status {
	case presence.Online:
		srv.run(w, r, srv.svc.GoOnline)
	case presence.Offline:
		srv.run(w, r, srv.svc.GoOffline)
	default:
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: ErrBadStatus.Error()})
	}
}

func (srv *Server) run(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return false
	}
	return true
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		srv.logger.Error().Err(err).Msg("request failed")
	} else {
		srv.logger.Debug().Err(err).Msg("request rejected")
	}
	srv.writeResponse(w, code, &GenericResponse{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, callsession.ErrInvalidState),
		errors.Is(err, callsession.ErrAcquiring),
		errors.Is(err, callsession.ErrBusy),
		errors.Is(err, callsession.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, callsession.ErrMediaAccess):
		return http.StatusFailedDependency
	case errors.Is(err, presence.ErrStore),
		errors.Is(err, transport.ErrRegistration):
		return http.StatusBadGateway
	case errors.Is(err, callsession.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (srv *Server) writeResponse(w http.ResponseWriter, code int, resp *GenericResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
