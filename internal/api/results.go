package api

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	rc, mimetype, err := s.pipeline.Open(token)
	if errors.Is(err, os.ErrNotExist) {
		s.writeError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		s.logger.Error("open result", "token", token, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open result")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mimetype)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("stream result", "token", token, "error", err)
	}
}
