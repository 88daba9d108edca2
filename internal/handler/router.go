package handler

import (
	"net/http"
	"time"

	"msisdn-gateway/internal/auth"
	"msisdn-gateway/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterOptions struct {
	APIPrefix      string
	AllowedOrigins []string
	RetryAfter     time.Duration
	// RequireTLS rejects plain HTTP. Leave it off when TLS ends at a proxy.
	RequireTLS bool
	Metrics    http.Handler
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			sendError(w, http.StatusUpgradeRequired, ErrnoUndefined, "https required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HawkMiddleware authenticates requests and renders failures in the
// gateway's error format.
func HawkMiddleware(v *auth.RequestVerifier, lookup auth.LookupFunc) func(http.Handler) http.Handler {
	return auth.Middleware(v, lookup, respondWithError)
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(h *GatewayHandler, authn func(http.Handler) http.Handler, opts RouterOptions) chi.Router {
	router := chi.NewRouter()

	if opts.RequireTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(responseHeaders(opts.RetryAfter, time.Now))
	router.Use(requireContentLength)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Timestamp", "Retry-After", "WWW-Authenticate"},
		MaxAge:         300,
	}))

	if opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	if opts.APIPrefix != "" {
		router.Route(opts.APIPrefix, func(r chi.Router) {
			h.RegisterRoutes(r, authn)
		})
	} else {
		h.RegisterRoutes(router, authn)
	}

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, 0, "")
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, 0, "")
	})

	return router
}

// LoggerMiddleware logs every HTTP request
func LoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			util.Info("HTTP request",
				util.String("method", r.Method),
				util.String("path", r.URL.Path),
				util.String("request_id", middleware.GetReqID(r.Context())),
				util.Int("status", ww.Status()),
				util.Duration("duration", time.Since(start)),
				util.String("user_agent", r.UserAgent()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
