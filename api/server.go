/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     Structured request logging via logrus
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests, origins from config

ROUTE GROUPS:
  /api/customers/*      Earn, redeem, quote and read endpoints
  /api/program          Current program
  /api/admin/*          Adjustments and program swap (scope loyalty:admin)
  /api/maintenance/*    Expiration sweeps (scope loyalty:maintenance)
  /healthz              Store ping

SECURITY:
  Admin and maintenance routes verify an HS256 bearer token signed with the
  configured secret. Without a secret those routes are not mounted at all.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// CORSOrigins lists allowed origins; empty allows all.
	CORSOrigins []string

	// AuthSecret signs operator tokens. Empty disables the admin and
	// maintenance routes.
	AuthSecret string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/customers/{id}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Post("/awards", h.AwardPoints)
			r.Post("/redemptions", h.RedeemPoints)
			r.Get("/redemption-quote", h.QuoteRedemption)
			r.Get("/lots", h.GetLots)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/audit", h.GetAudit)
		})

		r.Get("/program", h.GetProgram)

		if opts.AuthSecret == "" {
			return
		}

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireScope(opts.AuthSecret, ScopeAdmin))
			r.Post("/customers/{id}/adjustments", h.CreateAdjustment)
			r.Put("/program", h.ReplaceProgram)
		})

		// Maintenance routes
		r.Route("/maintenance", func(r chi.Router) {
			r.Use(RequireScope(opts.AuthSecret, ScopeMaintenance))
			r.Post("/run", h.RunMaintenance)
			r.Get("/status", h.MaintenanceStatus)
		})
	})

	return r
}

// RequestLogger logs one line per request with its chi request id.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"request_id":  middleware.GetReqID(r.Context()),
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"remote_addr": r.RemoteAddr,
				})
				switch {
				case ww.Status() >= 500:
					entry.Error("request")
				case ww.Status() >= 400:
					entry.Warn("request")
				default:
					entry.Info("request")
				}
			}()
			ww.Header().Set("X-Request-Id", middleware.GetReqID(r.Context()))
			next.ServeHTTP(ww, r)
		})
	}
}
