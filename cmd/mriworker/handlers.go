package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/mriflow/worker"
	log "github.com/sirupsen/logrus"
)

type handler struct {
	*Global
}

// StatusResponse is served by /status.
type StatusResponse struct {
	Pool   worker.Status           `json:"pool"`
	Queue  map[store.RunStatus]int `json:"queue"`
	Uptime string                  `json:"uptime"`
}

func (h *handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Write([]byte("ok\n"))
}

func (h *handler) Status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Store.RunCounts(r.Context())
	if err != nil {
		log.WithError(err).Errorln("Counting runs")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		Pool:   h.Pool.Status(),
		Queue:  counts,
		Uptime: time.Since(h.Started).Round(time.Second).String(),
	})
}

func (h *handler) Goroutines(w http.ResponseWriter, r *http.Request) {
	goroutines := fmt.Sprintf("%d goroutines are currently active\n", runtime.NumGoroutine())

	w.Write([]byte(goroutines))
}
