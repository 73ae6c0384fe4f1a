package web

import (
	"net/http"

	"oee-monitor/internal/production"
)

type selectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleSetupLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Load(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleSetupPlant(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.pipeline.SelectPlant(r.Context(), req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleSetupSector(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.pipeline.SelectSector(r.Context(), req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleSetupLine(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.pipeline.SelectLine(req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleSetupProduct(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.pipeline.SelectProduct(req.ID, req.Name)
	s.writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

// handleSetupCommit writes the completed selection to the device settings
// and returns to the monitor view.
func (s *Server) handleSetupCommit(w http.ResponseWriter, r *http.Request) {
	patch, err := s.pipeline.Patch()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.state.SetDeviceSettings(r.Context(), patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.state.SetView(production.ViewMonitor); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("line setup committed", "line", *patch.LineID)
	s.writeJSON(w, http.StatusOK, s.state.Snapshot())
}
