package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "stridek API",
		Version:     "v1",
		Description: "Scheduling traces recorded by stridek runs",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET"}, "Recorded runs, newest first"},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single run"},
			{"/api/v1/runs/{id}/dispatches", []string{"GET"}, "Dispatch events of a run in order"},
			{"/api/v1/runs/{id}/exits", []string{"GET"}, "Exit events of a run with syscall counters"},
			{"/api/v1/runs/{id}/shares", []string{"GET"}, "Per-task share of dispatches"},
			{"/api/v1/live/tasks", []string{"GET"}, "Tasks of the kernel running in this process"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
