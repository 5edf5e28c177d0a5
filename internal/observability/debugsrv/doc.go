// Package debugsrv is the optional local HTTP server exposing /healthz,
// a JSON /status of the scheduler and pprof handlers.
package debugsrv
