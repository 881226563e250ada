package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/printwatch/internal/history"
	"github.com/nerrad567/printwatch/internal/session"
	"github.com/nerrad567/printwatch/internal/supervisor"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// printerView joins the supervisor's view of a printer with its dashboard
// snapshot.
type printerView struct {
	supervisor.Handle
	Snapshot session.Snapshot `json:"snapshot"`
}

func (s *Server) view(h supervisor.Handle) printerView {
	v := printerView{Handle: h}
	if snap, ok := s.fleet.Snapshot(h.DeviceID); ok {
		v.Snapshot = snap
	}
	return v
}

// handleListPrinters returns every printer in configuration order.
func (s *Server) handleListPrinters(w http.ResponseWriter, _ *http.Request) {
	handles := s.fleet.Handles()
	printers := make([]printerView, 0, len(handles))
	for _, h := range handles {
		printers = append(printers, s.view(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"printers": printers,
		"count":    len(printers),
	})
}

// handleGetPrinter returns one printer.
func (s *Server) handleGetPrinter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, ok := s.fleet.Status(id)
	if !ok {
		writeNotFound(w, "printer not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(h))
}

// handlePrinterHistory returns the printer's most recent transitions,
// newest first. The optional limit query parameter caps the result.
func (s *Server) handlePrinterHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.fleet.Status(id); !ok {
		writeNotFound(w, "printer not found")
		return
	}
	if s.history == nil {
		writeUnavailable(w, "history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.List(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing printer history failed", "printer_id", id, "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"printer_id": id,
		"history":    entries,
		"count":      len(entries),
	})
}

// handleReconnect restarts the printer's session.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.fleet.Restart(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrUnknownDevice):
		writeNotFound(w, "printer not found")
		return
	case errors.Is(err, supervisor.ErrShuttingDown):
		writeUnavailable(w, "shutting down")
		return
	case errors.Is(err, supervisor.ErrStopTimeout):
		s.logger.Warn("printer session did not stop for reconnect", "printer_id", id)
		writeUnavailable(w, "previous session did not stop in time")
		return
	default:
		s.logger.Error("reconnect failed", "printer_id", id, "error", err)
		writeInternalError(w, "reconnect failed")
		return
	}

	s.logger.Info("printer reconnect requested", "printer_id", id)
	h, _ := s.fleet.Status(id)
	writeJSON(w, http.StatusAccepted, s.view(h))
}
