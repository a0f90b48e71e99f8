package store

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/nanoprep/server"
)

// RT exposes the archive over HTTP
func (s *Store) RT() server.RouteTable {
	return server.RouteTable{
		{Method: http.MethodGet, Path: "/runs"}:              s.httpRuns,
		{Method: http.MethodGet, Path: "/runs/{id}/samples"}: s.httpSamples,
	}
}

// httpRuns lists runs, newest first.  ?limit= defaults to 50.
func (s *Store) httpRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.Runs(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []RunRow{}
	}
	server.WriteJSON(w, runs)
}

func (s *Store) httpSamples(w http.ResponseWriter, r *http.Request) {
	smps, err := s.Samples(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(smps) == 0 {
		http.Error(w, ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	server.WriteJSON(w, smps)
}
