package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total     int            `json:"total"`
	ByStage   map[string]int `json:"by_stage"`
	Cacheable int            `json:"cacheable"`
	CacheSize int            `json:"cache_size"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, cacheSize, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:     stats.Total,
		ByStage:   stats.CountByStage,
		Cacheable: stats.Cacheable,
		CacheSize: cacheSize,
	})
}
