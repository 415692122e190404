package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/stridek/pkg/model"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	respondList(w, reqID, runs, opts, total)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if run, ok := s.requireRun(w, r); ok {
		respondOK(w, reqID, run)
	}
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	events, total, err := s.store.ListDispatches(r.Context(), run.ID, opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if events == nil {
		events = []model.DispatchEvent{}
	}
	respondList(w, reqID, events, opts, total)
}

func (s *Server) handleListExits(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}

	exits, err := s.store.ListExits(r.Context(), run.ID)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if exits == nil {
		exits = []model.ExitEvent{}
	}
	respondOK(w, reqID, exits)
}

func (s *Server) handleTaskShares(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}

	shares, err := s.store.TaskShares(r.Context(), run.ID)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if shares == nil {
		shares = []model.TaskShare{}
	}
	respondOK(w, reqID, shares)
}

func (s *Server) handleLiveTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.live == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("live kernel", "current"))
		return
	}
	respondOK(w, reqID, s.live.Tasks())
}

// requireRun loads the run named in the path, writing a 404 or 500 when it
// cannot.
func (s *Server) requireRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return nil, false
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("Run", id))
		return nil, false
	}
	return run, true
}
