package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes holds every handler the HTTP server exposes
type Routes struct {
	Webhook   *WebhookHandler
	Dashboard *DashboardHandler
	Events    http.HandlerFunc // websocket event stream
	Metrics   http.Handler     // Prometheus exposition
}

// NewRouter wires the public webhook, operator API and observability endpoints
func NewRouter(rt Routes) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, APIResponse{Code: http.StatusOK, Message: "Immortal Outreach is running"})
	})

	r.Get("/webhook/facebook", rt.Webhook.HandleFacebookVerify)
	r.Post("/webhook/facebook", rt.Webhook.HandleFacebookEvent)

	if rt.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.Metrics)
	}
	if rt.Events != nil {
		r.Get("/ws/events", rt.Events)
	}

	d := rt.Dashboard
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", d.GetStatus)
		r.Get("/system/metrics", d.GetSystemMetrics)
		r.Get("/queue", d.GetQueueDepth)

		r.Route("/pools/{campaignID}/{channel}", func(r chi.Router) {
			r.Get("/", d.GetPool)
			r.Post("/identities", d.AttachIdentity)
			r.Post("/identities/{address}/reset", d.ResetIdentity)
		})

		r.Get("/jobs/{id}", d.GetJob)
		r.Post("/campaigns/{campaignID}/messages", d.SendCampaignMessage)

		r.Get("/autoreply", d.GetAutoReply)
		r.Post("/autoreply/pause", d.PauseAutoReply)
		r.Post("/autoreply/resume", d.ResumeAutoReply)
	})

	return r
}

// requestLogger writes one structured access log line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
