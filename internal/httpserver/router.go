// Package httpserver exposes the triage pipeline and the ticket log over HTTP.
package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inboxpilot/pkg/metrics"
	"inboxpilot/pkg/trace"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(traceMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/triage", h.Triage)
		r.Post("/triage/batch", h.TriageBatch)

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", h.ListTickets)
			r.Get("/{id}", h.GetTicket)
			r.Post("/{id}/close", h.CloseTicket)
		})

		if h.results != nil {
			r.Get("/results/{emailID}", h.GetResult)
		}
	})
	return r
}

// NewServer returns the HTTP server for addr; the caller owns ListenAndServe and Shutdown.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // batch 请求可能跑很久
		IdleTimeout:       time.Minute,
	}
}

// traceMiddleware 沿用请求头中的 trace_id，没有则生成，并写回响应头
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		w.Header().Set(trace.HeaderName(), traceID)
		next.ServeHTTP(w, r.WithContext(trace.WithContext(r.Context(), traceID)))
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// 用路由模板做 label，避免 id 撑爆基数
		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequestDuration(r.Method, path, strconv.Itoa(status), time.Since(start))
	})
}
