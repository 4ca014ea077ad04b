package service

import (
	"encoding/json"
	"net/http"
)

// healthStatus is the GET /healthz response body.
type healthStatus struct {
	Status          string `json:"status"`
	GatewayState    string `json:"gatewayState"`
	HubSubscribers  int    `json:"hubSubscribers"`
	CacheTaskCount  int    `json:"cacheTaskCount"`
	CacheStateCount int    `json:"cacheStateCount"`
}

// RegisterHealth mounts the health endpoint on mux.
func (s *SyncService) RegisterHealth(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *SyncService) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tasks, states := s.cache.Counts()
	status := healthStatus{
		Status:          "ok",
		GatewayState:    s.gw.State().String(),
		HubSubscribers:  s.hub.SubscriberCount(),
		CacheTaskCount:  tasks,
		CacheStateCount: states,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
