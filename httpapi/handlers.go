package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/isdmx/runbox/sandbox"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, sandbox.ExecuteResult{Success: false, Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req sandbox.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	result := s.executor.Execute(r.Context(), req)
	writeJSON(w, statusFor(result), result)
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.executor.Languages())
}

// statusFor keeps request problems distinguishable from program failures, which
// are reported with 200.
func statusFor(result sandbox.ExecuteResult) int {
	switch result.ErrorKind {
	case sandbox.KindMissingField, sandbox.KindUnsupportedLanguage:
		return http.StatusBadRequest
	case sandbox.KindInternal, sandbox.KindResource:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
