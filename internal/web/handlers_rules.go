package web

import (
	"net/http"
	"slices"

	"oee-monitor/internal/rules"
)

type ruleView struct {
	*rules.Script
	Running bool `json:"running"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.ruleMgr == nil {
		s.writeJSON(w, http.StatusOK, []ruleView{})
		return
	}
	scripts, err := s.ruleMgr.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	running := s.ruleEngine.Running()
	views := make([]ruleView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, ruleView{Script: sc, Running: slices.Contains(running, sc.ID)})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if s.ruleMgr == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	sc, err := s.ruleMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

// handleRunRule runs a rule once. A failing rule is still a 200; the
// result carries the error and the captured log.
func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	if s.ruleEngine == nil || s.ruleMgr == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rules not available"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.ruleEngine.Run(r.PathValue("id")))
}
