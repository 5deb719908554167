// Package admin serves a small read-mostly HTTP surface over an open engine:
// health, catalog, statistics, Prometheus metrics and manual checkpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/sausheong/sqlcore/engine"
	"github.com/sausheong/sqlcore/internal/config"
	"github.com/sausheong/sqlcore/internal/metrics"
	"github.com/sausheong/sqlcore/storage"
	"github.com/sausheong/sqlcore/types"
)

// Error codes
const (
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeConflict = "CONFLICT"
	ErrCodeInternal = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TableSummary is one entry of GET /tables.
type TableSummary struct {
	Name    string `json:"name"`
	Columns int    `json:"columns"`
	Rows    int    `json:"rows"`
}

// TableDetail is the body of GET /tables/{name}.
type TableDetail struct {
	Name    string                   `json:"name"`
	Columns []types.ColumnDefinition `json:"columns"`
	Rows    int                      `json:"rows"`
	Indexes []string                 `json:"indexes"`
}

// IndexSummary is one entry of GET /indexes.
type IndexSummary struct {
	Table   string `json:"table"`
	Column  string `json:"column"`
	Keys    int    `json:"keys"`
	Height  int    `json:"height"`
	MaxKeys int    `json:"max_keys"`
}

// TransactionsResponse is the body of GET /transactions.
type TransactionsResponse struct {
	Active []uint64 `json:"active"`
	NextID uint64   `json:"next_id"`
}

// Server is the admin HTTP server.
type Server struct {
	engine  *engine.Engine
	cfg     *config.Config
	logger  zerolog.Logger
	router  chi.Router
	srv     *http.Server
	started time.Time
	ln      net.Listener
}

// NewServer builds the router for e. Nothing listens until Start.
func NewServer(e *engine.Engine, cfg *config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		engine:  e,
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(logger))

	r.Get("/health", s.handleHealth)
	r.Get("/tables", s.handleTables)
	r.Get("/tables/{name}", s.handleTable)
	r.Get("/indexes", s.handleIndexes)
	r.Get("/transactions", s.handleTransactions)
	r.Get("/stats", s.handleStats)
	r.Post("/checkpoint", s.handleCheckpoint)

	if cfg.EnableMetrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(metrics.NewRegistry(e)))
	}

	s.router = r
	s.srv = &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      h2c.NewHandler(r, &http2.Server{}),
		ReadTimeout:  cfg.AdminReadTimeout,
		WriteTimeout: cfg.AdminWriteTimeout,
	}
	return s
}

// Handler returns the HTTP handler, with h2c upgrade support.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens on the configured address and serves in the background.
// Serve errors other than a clean shutdown are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening (h2c)")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("graceful shutdown failed")
		s.srv.Close()
		return err
	}
	s.logger.Info().Msg("admin server stopped gracefully")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "healthy",
		"instance":            s.engine.ID(),
		"uptime_seconds":      int(time.Since(s.started).Seconds()),
		"active_transactions": len(s.engine.Transactions().ActiveIDs()),
	})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	var out []TableSummary
	s.engine.View(func(fs *storage.FileStorage) error {
		out = make([]TableSummary, 0, len(fs.TableNames()))
		for _, name := range fs.TableNames() {
			data, ok := fs.GetTableMut(name)
			if !ok {
				continue
			}
			out = append(out, TableSummary{
				Name:    name,
				Columns: len(data.Info.Columns),
				Rows:    len(data.Rows),
			})
		}
		return nil
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var detail TableDetail
	err := s.engine.View(func(fs *storage.FileStorage) error {
		data, ok := fs.GetTableMut(name)
		if !ok {
			return types.TableNotFound(name)
		}
		detail = TableDetail{
			Name:    name,
			Columns: append([]types.ColumnDefinition(nil), data.Info.Columns...),
			Rows:    len(data.Rows),
			Indexes: make([]string, 0),
		}
		for _, key := range fs.IndexNames() {
			if key.Table == name {
				detail.Indexes = append(detail.Indexes, key.Column)
			}
		}
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	var out []IndexSummary
	s.engine.View(func(fs *storage.FileStorage) error {
		keys := fs.IndexNames()
		out = make([]IndexSummary, 0, len(keys))
		for _, key := range keys {
			tree, ok := fs.GetIndex(key.Table, key.Column)
			if !ok {
				continue
			}
			out = append(out, IndexSummary{
				Table:   key.Table,
				Column:  key.Column,
				Keys:    tree.Len(),
				Height:  tree.Height(),
				MaxKeys: tree.MaxKeys(),
			})
		}
		return nil
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txns := s.engine.Transactions()
	writeJSON(w, http.StatusOK, TransactionsResponse{
		Active: txns.ActiveIDs(),
		NextID: txns.NextID(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Checkpoint(); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"next_id": s.engine.Transactions().NextID(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// writeEngineError maps an error's kind onto an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	switch types.KindOf(err) {
	case types.KindTableNotFound, types.KindColumnNotFound:
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case types.KindTransaction:
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
