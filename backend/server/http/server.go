package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/syncparty/backend/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultMaxBodySize       = 1 << 16
	defaultCORSMaxAge        = 300
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type InviteService interface {
	CreateInvite(roomID, token string, ttl time.Duration) (model.Invite, error)
	Stats() model.Stats
}

type InviteRequest struct {
	Room      string `json:"room"`
	ExpiresIn int64  `json:"expires_in"`
}

type HealthResponse struct {
	Status string `json:"status"`
	model.Stats
}

type Server struct {
	logger zerolog.Logger
	svc    InviteService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	InviteService  InviteService
	ListenAddr     string
	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.InviteService,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(srv.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         defaultCORSMaxAge,
	}))

	r.Post("/invite", srv.createInvite)
	r.Get("/health", srv.health)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func (srv *Server) createInvite(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		srv.renderError(w, r, model.ErrAuthRequired)
		return
	}

	var req InviteRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, defaultMaxBodySize), &req); err != nil {
		srv.renderError(w, r, model.NewError(model.CodeInvalidPayload, "malformed request body"))
		return
	}
	if req.Room == "" {
		srv.renderError(w, r, model.NewError(model.CodeInvalidPayload, "room is required"))
		return
	}
	if req.ExpiresIn < 0 {
		srv.renderError(w, r, model.NewError(model.CodeInvalidPayload, "expires_in must not be negative"))
		return
	}
	if req.ExpiresIn > model.MaxInviteTTLSeconds {
		srv.renderError(w, r, model.NewError(model.CodeInvalidPayload, "expires_in is too large"))
		return
	}

	srv.logger.Trace().Any("request", req).Msg("got invite request")

	invite, err := srv.svc.CreateInvite(req.Room, token, time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		srv.renderError(w, r, err)
		return
	}
	render.JSON(w, r, invite)
}

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status: "ok",
		Stats:  srv.svc.Stats(),
	})
}

func (srv *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		srv.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		srv.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}
	render.Status(r, status)
	render.JSON(w, r, model.PayloadOf(err))
}

func statusOf(err error) int {
	switch model.CodeOf(err) {
	case model.CodeAuthRequired, model.CodeInvalidToken:
		return http.StatusUnauthorized
	case model.CodeForbidden:
		return http.StatusForbidden
	case model.CodeRoomNotFound:
		return http.StatusNotFound
	case model.CodeInvalidPayload, model.CodeInvalidMessage:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			srv.logger.Debug().
				Str("requestID", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request served")
		}()
		next.ServeHTTP(ww, r)
	})
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
