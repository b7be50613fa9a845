package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	support, resistance := s.engine.Store().Count()
	s.writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"symbol":         s.symbol,
		"support":        support,
		"resistance":     resistance,
		"open_positions": s.engine.Positions().OpenCount(),
		"session":        s.engine.Stats(),
	})
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Store().All())
}

func (s *Server) handleLevelHistory(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.repo.ListLevelSnapshots(r.Context(), s.symbol, limitParam(r, 200))
	if err != nil {
		s.logger.Error("Failed to list level snapshots", zap.Error(err))
		http.Error(w, "Failed to list level snapshots", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, snapshots)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Positions().Tracked())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	orders, err := s.repo.ListOrders(r.Context(), limitParam(r, 100))
	if err != nil {
		s.logger.Error("Failed to list orders", zap.Error(err))
		http.Error(w, "Failed to list orders", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, orders)
}

func (s *Server) handleClosedTrades(w http.ResponseWriter, r *http.Request) {
	history, err := s.repo.ListPositionHistory(r.Context(), limitParam(r, 100))
	if err != nil {
		s.logger.Error("Failed to list position history", zap.Error(err))
		http.Error(w, "Failed to list position history", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, history)
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	marks, err := s.repo.ListEquityMarks(r.Context(), limitParam(r, 500))
	if err != nil {
		s.logger.Error("Failed to list equity marks", zap.Error(err))
		http.Error(w, "Failed to list equity marks", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, marks)
}
