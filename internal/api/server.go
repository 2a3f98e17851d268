// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package api serves the JSON HTTP API. Every route is POST /api/<name>
// with a JSON body; failures answer {"error": "<message>"}.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/3dem/emhub/internal/applications"
	"github.com/3dem/emhub/internal/booking"
	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/report"
	"github.com/3dem/emhub/internal/sessiondata"
	"github.com/3dem/emhub/internal/sessions"
)

var (
	errBadRequest   = errors.New("bad request")
	errForbidden    = errors.New("forbidden")
	errUnauthorized = errors.New("unauthorized")
)

// Options configures a Server. Zero values take the defaults below.
type Options struct {
	// DataPath is the directory of the session data files.
	DataPath string
	// SessionTTL is how long an idle login token stays valid (12h).
	SessionTTL time.Duration
	// PollTimeout bounds a poll_sessions request (60s).
	PollTimeout time.Duration
	// PollInterval is the delay between two pending-session checks (3s).
	PollInterval time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Server holds the services behind the API.
type Server struct {
	store    db.Store
	bookings *booking.Service
	sessions *sessions.Manager
	reports  *report.Service
	apps     *applications.Service
	tokens   *tokenStore
	log      *zap.Logger
	opts     Options
	engine   *gin.Engine
}

// New builds a Server over store.
func New(store db.Store, opts Options) *Server {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 12 * time.Hour
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		store:    store,
		bookings: booking.NewService(store).WithClock(opts.Now),
		sessions: sessions.NewManager(store, opts.DataPath).WithClock(opts.Now),
		reports:  report.NewService(store).WithClock(opts.Now),
		apps:     applications.NewService(store),
		tokens:   newTokenStore(opts.SessionTTL, opts.Now),
		log:      opts.Logger,
		opts:     opts,
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logging.Infof("API listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logging.Infof("shutting down API server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	g := r.Group("/api")
	g.POST("/login", s.login)

	a := g.Group("", s.requireUser())
	a.POST("/logout", s.logout)
	s.userRoutes(a)
	s.crudRoutes(a)
	s.applicationRoutes(a)
	s.bookingRoutes(a)
	s.sessionRoutes(a)
	s.reportRoutes(a)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if u := currentUser(c); u != nil {
			fields = append(fields, zap.String("user", u.Username))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Error("request", fields...)
			return
		}
		s.log.Info("request", fields...)
	}
}

// handlerFunc handles an authenticated request, returning the JSON result.
type handlerFunc func(c *gin.Context, u *model.User) (any, error)

func (s *Server) wrap(fn handlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := fn(c, currentUser(c))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message(err)})
}

var (
	badRequest = []error{errBadRequest, booking.ErrValidation, applications.ErrInvalid, db.ErrInvalidQuery, sessiondata.ErrReadOnly}
	forbidden  = []error{errForbidden, booking.ErrPermission, booking.ErrCancellation, report.ErrAccess}
	notFound   = []error{db.ErrNotFound, sessiondata.ErrSetNotFound, sessiondata.ErrItemNotFound, sessions.ErrMissingForm, sessions.ErrMissingSection}
	conflict   = []error{db.ErrDuplicate, sessiondata.ErrSetExists, sessiondata.ErrItemExists}
)

func statusFor(err error) int {
	for _, e := range badRequest {
		if errors.Is(err, e) {
			return http.StatusBadRequest
		}
	}
	for _, e := range forbidden {
		if errors.Is(err, e) {
			return http.StatusForbidden
		}
	}
	for _, e := range notFound {
		if errors.Is(err, e) {
			return http.StatusNotFound
		}
	}
	for _, e := range conflict {
		if errors.Is(err, e) {
			return http.StatusConflict
		}
	}
	if errors.Is(err, errUnauthorized) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// message drops the sentinel prefixes that only serve errors.Is.
func message(err error) string {
	msg := err.Error()
	for _, e := range append(append([]error{errUnauthorized}, badRequest...), forbidden...) {
		if errors.Is(err, e) {
			msg = strings.ReplaceAll(msg, e.Error()+": ", "")
		}
	}
	return msg
}

func requireManager(u *model.User) error {
	if !u.IsManager() {
		return fmt.Errorf("%w: Only managers can perform this operation", errForbidden)
	}
	return nil
}
