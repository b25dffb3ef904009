package core

import (
	"net/http"
	"time"

	"github.com/breakdev/edgecert/log"

	"github.com/gorilla/mux"
)

type HealthServer struct {
	srv *http.Server
}

// NewHealthServer exposes the readiness endpoint. It reports process
// liveness only and mutates nothing.
func NewHealthServer(addr string) (*HealthServer, error) {
	s := &HealthServer{}

	r := mux.NewRouter()
	s.srv = &http.Server{
		Handler:      r,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	return s, nil
}

func (s *HealthServer) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health: %v", err)
		}
	}()
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
