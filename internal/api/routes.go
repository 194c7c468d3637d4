package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/rule"
	"github.com/ruleflow/ruleflow/internal/statistics"
)

const maxRulesBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}

func (s *APIServer) baseRules() []config.Rule {
	if s.deps.Rules == nil {
		return nil
	}
	return s.deps.Rules.Engine().Configs()
}

func (s *APIServer) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.baseRules())
}

func (s *APIServer) handleDirectiveRules(w http.ResponseWriter, r *http.Request) {
	directive := common.CanonicalDirective(chi.URLParam(r, "directive"))
	out := []config.Rule{}
	for _, cfg := range s.baseRules() {
		if cfg.Directive == directive {
			out = append(out, cfg)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReloadRules replaces the base rules with a YAML or JSON rule list.
func (s *APIServer) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "rules not available")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRulesBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules, err := rule.ParseRules(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	config.NormalizeRules(rules)
	s.deps.Rules.Reload(rules)
	engine := s.deps.Rules.Engine()
	writeJSON(w, http.StatusOK, map[string]int{
		"received": len(rules),
		"loaded":   engine.Len(),
	})
}

func (s *APIServer) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if s.deps.Plugins == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Plugins.Plugins())
}

func (s *APIServer) handlePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Plugins != nil {
		if p, ok := s.deps.Plugins.Plugin(name); ok {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "plugin not found")
}

func (s *APIServer) snapshot() statistics.Snapshot {
	if s.deps.Recorder == nil {
		return statistics.Snapshot{
			Rewrites:    []statistics.RewriteRecord{},
			Connections: []statistics.ConnectionRecord{},
		}
	}
	return s.deps.Recorder.Snapshot()
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *APIServer) handleRewriteStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot().Rewrites)
}

func (s *APIServer) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot().Connections)
}

func (s *APIServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Purge != nil {
		s.deps.Purge()
	}
	w.WriteHeader(http.StatusNoContent)
}
