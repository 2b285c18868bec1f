package api

import (
	"net/http"
)

// channelsResponse is the JSON response for GET /v1/channels.
type channelsResponse struct {
	Channels []string `json:"channels"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, channelsResponse{Channels: s.engine.Channels()})
}
