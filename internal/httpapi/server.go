package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/vofc/internal/auth"
	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/dedup"
	"horse.fit/vofc/internal/globaltime"
	"horse.fit/vofc/internal/ingestion"
	"horse.fit/vofc/internal/linker"
)

const defaultBodyLimit = "48M"

type Options struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
	// BatchTimeout bounds one process-queue call.
	BatchTimeout time.Duration
}

type SubmissionStore interface {
	Ping(ctx context.Context) error
	InsertSubmission(ctx context.Context, params db.InsertSubmissionParams) (db.SubmissionRow, error)
	GetSubmissionByUUID(ctx context.Context, submissionUUID string) (db.SubmissionRow, error)
}

type BatchRunner interface {
	RunBatch(ctx context.Context, opts ingestion.BatchOptions) (ingestion.BatchResult, error)
	ProcessOne(ctx context.Context, submissionUUID string) (ingestion.ItemResult, bool, error)
}

type DuplicateChecker interface {
	CheckAgainstCorpus(ctx context.Context, text string, threshold float64) (dedup.Result, error)
}

type SourceLinker interface {
	LinkSourceToEntity(ctx context.Context, kind string, entityID int64, referenceNumber int) (linker.LinkResult, error)
	UnlinkSourceFromEntity(ctx context.Context, kind string, entityID int64, referenceNumber int) (linker.UnlinkResult, error)
	PruneEntityCitations(ctx context.Context) (linker.PruneReport, error)
}

type ObjectUploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Dependencies wires a Server. Objects and Metrics may be nil.
type Dependencies struct {
	Store      SubmissionStore
	Batches    BatchRunner
	Duplicates DuplicateChecker
	Sources    SourceLinker
	Objects    ObjectUploader
	Authorizer *auth.Authorizer
	Metrics    http.Handler
}

type Server struct {
	store      SubmissionStore
	batches    BatchRunner
	duplicates DuplicateChecker
	sources    SourceLinker
	objects    ObjectUploader
	authorizer *auth.Authorizer
	metrics    http.Handler
	logger     zerolog.Logger
	opts       Options
}

func NewServer(deps Dependencies, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8095
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Minute
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = auth.NewAuthorizer("", "")
	}

	return &Server{
		store:      deps.Store,
		batches:    deps.Batches,
		duplicates: deps.Duplicates,
		sources:    deps.Sources,
		objects:    deps.Objects,
		authorizer: authorizer,
		metrics:    deps.Metrics,
		logger:     logger,
		opts: Options{
			Host:               host,
			Port:               port,
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			ShutdownTimeout:    shutdownTimeout,
			CORSAllowedOrigins: opts.CORSAllowedOrigins,
			BatchTimeout:       opts.BatchTimeout,
		},
	}
}

// Handler builds the echo router.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(defaultBodyLimit))
	if len(s.opts.CORSAllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.opts.CORSAllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			MaxAge:       3600,
		}))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			message := "http request"
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
				message = "http request failed"
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg(message)
			return nil
		},
	}))

	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	// Route-level auth keeps unknown /api paths answering 404.
	authed := s.requireAuth()
	api.POST("/submissions", s.handleCreateSubmission, authed)
	api.GET("/submissions/:submission_uuid", s.handleGetSubmission, authed)
	api.POST("/ingestion/process-queue", s.handleProcessQueue, authed)
	api.POST("/ingestion/process-one/:submission_uuid", s.handleProcessOne, authed)
	api.POST("/check-duplicates", s.handleCheckDuplicates, authed)
	api.POST("/sources/:reference_number/links", s.handleLinkSource, authed)
	api.DELETE("/sources/:reference_number/links", s.handleUnlinkSource, authed)
	api.POST("/citations/prune", s.handlePruneCitations, authed)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil || s.batches == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	if !s.authorizer.Enabled() {
		s.logger.Warn().Msg("no AUTH_JWT_SECRET or SCHEDULER_API_KEY_HASH set, protected routes will reject every request")
	}
	s.logger.Info().Str("addr", addr).Msg("vofc api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("vofc api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if v, ok := he.Message.(string); ok && strings.TrimSpace(v) != "" {
			message = v
		} else if text := http.StatusText(status); text != "" {
			message = text
		}
	} else if err != nil {
		s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("unhandled handler error")
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("health ping failed")
		return errorWithStatus(c, http.StatusServiceUnavailable, "Store unreachable")
	}
	return success(c, map[string]any{
		"service": "vofc",
		"time":    globaltime.UTC(),
	})
}
