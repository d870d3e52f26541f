package server

import (
	"encoding/json"
	"io"
	"net/http"

	"bustrack-svr/internal/bus"
)

const maxBodySize = 64 << 10

func (s *Server) listBuses(w http.ResponseWriter, r *http.Request) {
	recs, err := s.gateway.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getBus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gateway.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) createBus(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := bus.Decode(body)
	if err == nil {
		rec, err = s.gateway.Create(r.Context(), rec)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) replaceBus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := bus.DecodeFor(id, body)
	if err == nil {
		rec, err = s.gateway.Replace(r.Context(), id, rec)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteBus(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Bus deleted successfully"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, &bus.ValidationError{Field: "body", Reason: err.Error()}
	}
	return body, nil
}

func statusFor(err error) int {
	switch bus.Kind(err) {
	case bus.KindValidation:
		return http.StatusBadRequest
	case bus.KindNotFound:
		return http.StatusNotFound
	case bus.KindConflict:
		return http.StatusConflict
	case bus.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
