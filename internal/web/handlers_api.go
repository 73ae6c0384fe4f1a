package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"oee-monitor/internal/device"
	"oee-monitor/internal/production"
	"oee-monitor/internal/setup"
	"oee-monitor/internal/shift"
	"oee-monitor/internal/source"
)

const maxBody = 1 << 20

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state.Snapshot().Settings)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch device.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	settings, err := s.state.SetDeviceSettings(r.Context(), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

type shiftsResponse struct {
	Shifts  []shift.Shift `json:"shifts"`
	Current *shift.Shift  `json:"current"`
	Version uint64        `json:"version"`
}

func (s *Server) handleShifts(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	shifts := s.state.Shifts()
	if shifts == nil {
		shifts = []shift.Shift{}
	}
	s.writeJSON(w, http.StatusOK, shiftsResponse{Shifts: shifts, Current: snap.CurrentShift, Version: snap.ShiftVersion})
}

type setShiftRequest struct {
	ID string `json:"id"`
}

// handleSetCurrentShift overrides the current shift with a catalog entry.
// An empty id clears it.
func (s *Server) handleSetCurrentShift(w http.ResponseWriter, r *http.Request) {
	var req setShiftRequest
	if !s.decode(w, r, &req) {
		return
	}

	var sh *shift.Shift
	if req.ID != "" {
		for _, c := range s.state.Shifts() {
			if c.ID == req.ID {
				sh = &c
				break
			}
		}
		if sh == nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "shift not found"})
			return
		}
	}

	changed := s.state.SetCurrentShift(sh)
	s.writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "current": sh})
}

// handleRefresh fetches once now. A failed fetch keeps the last metrics and
// is only logged, the same as a failed poll.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.state.FetchLiveData(r.Context()); err != nil {
		s.logger.Warn("manual refresh failed", "err", err, "kind", source.KindOf(err))
	}
	s.writeJSON(w, http.StatusOK, s.state.Snapshot())
}

type viewRequest struct {
	View production.View `json:"view"`
}

func (s *Server) handleSetView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.state.SetView(req.View); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]production.View{"view": s.state.View()})
}

type pollIntervalRequest struct {
	IntervalMs int64 `json:"intervalMs"`
}

func (s *Server) handleSetPollInterval(w http.ResponseWriter, r *http.Request) {
	var req pollIntervalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.state.SetPollInterval(time.Duration(req.IntervalMs) * time.Millisecond); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.state.PollerStats())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// decode reads a JSON body, writing 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, production.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, setup.ErrUnknownOption):
		status = http.StatusNotFound
	case errors.Is(err, setup.ErrNoSelection):
		status = http.StatusConflict
	case errors.Is(err, production.ErrTornDown):
		status = http.StatusServiceUnavailable
	case source.KindOf(err) != source.KindUnknown:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
