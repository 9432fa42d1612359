package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/interpose/middleware"
	"github.com/justinas/alice"
)

func router(global *Global) http.Handler {
	router := mux.NewRouter()
	GET := router.Methods("GET", "HEAD").Subrouter()

	h := handler{Global: global}

	GET.HandleFunc("/healthz", h.Healthz).Name("healthz")
	GET.HandleFunc("/status", h.Status).Name("status")
	GET.HandleFunc("/goroutines", h.Goroutines)

	standard := alice.New(
		// Log all requests to STDOUT
		middleware.GorillaLog(),
	)

	return standard.Then(router)
}
