package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vitos/keylevel_breakout/internal/domain"
	"github.com/vitos/keylevel_breakout/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router *http.ServeMux
	server *http.Server
	engine *usecase.Engine
	repo   domain.AuditRepository
	symbol string
	logger *zap.Logger
}

func NewServer(
	port int,
	engine *usecase.Engine,
	repo domain.AuditRepository,
	symbol string,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router: http.NewServeMux(),
		engine: engine,
		repo:   repo,
		symbol: symbol,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Levels
	s.router.HandleFunc("GET /api/levels", s.handleLevels)
	s.router.HandleFunc("GET /api/levels/history", s.handleLevelHistory)

	// Positions
	s.router.HandleFunc("GET /api/positions", s.handlePositions)

	// Trades
	s.router.HandleFunc("GET /api/trades", s.handleTrades)
	s.router.HandleFunc("GET /api/trades/closed", s.handleClosedTrades)

	// Equity
	s.router.HandleFunc("GET /api/equity", s.handleEquity)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
