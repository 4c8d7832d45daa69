package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/httpbridge/internal/obs"
	"github.com/matst80/httpbridge/internal/state"
	"github.com/matst80/httpbridge/internal/web"
)

// adminHandler serves Prometheus metrics, health probes, the JSON state and
// the dashboard.
func adminHandler(store state.Store) http.Handler {
	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		snap, err := collectStats(r.Context(), store)
		if err != nil {
			obs.Error("admin.state", obs.Fields{"err": err.Error()})
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}).Methods(http.MethodGet)
	m.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		snap, err := collectStats(r.Context(), store)
		if err != nil {
			obs.Error("admin.dashboard", obs.Fields{"err": err.Error()})
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		renderPage(w, "dashboard", templateData(snap))
	}).Methods(http.MethodGet)
	m.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	m.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if store.IsClosing() || !store.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	return m
}

// renderPage renders into a buffer first so a failing template never leaves
// a half-written page behind.
func renderPage(w http.ResponseWriter, name string, data map[string]any) {
	var buf bytes.Buffer
	if err := web.Render(&buf, name, data); err != nil {
		http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func newAdminServer(addr string, store state.Store) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           adminHandler(store),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
