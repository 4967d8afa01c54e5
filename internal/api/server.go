// Package api exposes the recognizer service over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andresmejia3/faceengine/internal/imaging"
	"github.com/andresmejia3/faceengine/internal/logging"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/pool"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/store"
	"github.com/andresmejia3/faceengine/internal/types"
)

// Persister mirrors library changes to durable storage.
type Persister interface {
	SaveFaces(ctx context.Context, key string, recs []store.Record) error
	DeleteFaces(ctx context.Context, key string, ids ...string) (int64, error)
}

// Decoder turns an uploaded image into a normalized one.
type Decoder func(name string, data []byte) (*imaging.Image, error)

// DecodeUpload verifies and normalizes an upload. Unnamed uploads get a random name.
func DecodeUpload(name string, data []byte) (*imaging.Image, error) {
	return imaging.Load(imaging.Stream(bytes.NewReader(data), name))
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists every library change through p.
func WithStore(p Persister) Option {
	return func(s *Server) { s.store = p }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

// WithDecoder replaces DecodeUpload.
func WithDecoder(d Decoder) Option {
	return func(s *Server) { s.decode = d }
}

// WithCORSOrigins restricts cross-origin requests to origins. All origins are allowed by default.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// Server routes HTTP requests to a recognizer.Service.
type Server struct {
	svc     *recognizer.Service
	store   Persister
	decode  Decoder
	log     *zap.Logger
	origins []string

	router *gin.Engine
}

// New builds the router.
func New(svc *recognizer.Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		decode: DecodeUpload,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type", "Content-Length", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(s.origins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.origins
	}
	r.Use(cors.New(corsCfg))

	api := r.Group("/api")
	api.POST("/detect", s.detect)
	api.POST("/extract", s.extract)
	api.POST("/compare", s.compare)
	api.POST("/search", s.search)
	api.GET("/libraries/:key", s.listLibrary)
	api.POST("/libraries/:key/faces", s.enroll)
	api.DELETE("/libraries/:key/faces/:id", s.removeFace)
	api.GET("/stats", s.stats)

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("took", time.Since(start)),
	)
}

// fail writes err with the status it maps to.
func (s *Server) fail(c *gin.Context, err error) {
	code := status(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, types.ErrorResult{Error: err.Error()})
}

func status(err error) int {
	var (
		formatErr *imaging.FormatError
		sizeErr   *imaging.SizeError
		batchErr  *recognizer.BatchError
	)
	switch {
	case errors.As(err, &formatErr), errors.As(err, &sizeErr), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, native.InvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, recognizer.ErrNoFace), errors.As(err, &batchErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
