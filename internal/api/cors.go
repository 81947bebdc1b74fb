package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	// AllowOrigins lists permitted origins; "*" permits any.
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int
}

// DefaultCORSConfig allows any origin to read and control workers.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization", "Accept", "Last-Event-ID"},
		MaxAge:       86400,
	}
}

// ParseOrigins splits a comma-separated origin list. An empty list allows
// any origin.
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimSuffix(o, "/"))
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// allowedOrigin returns the Access-Control-Allow-Origin value for a request
// from origin, or "" when it is not permitted. With a single configured
// origin that value is always sent and the browser does the matching.
func (c CORSConfig) allowedOrigin(origin string) string {
	switch {
	case slices.Contains(c.AllowOrigins, "*"):
		return "*"
	case origin != "" && slices.Contains(c.AllowOrigins, origin):
		return origin
	case len(c.AllowOrigins) == 1:
		return c.AllowOrigins[0]
	default:
		return ""
	}
}

func (c CORSConfig) apply(h http.Header, origin string) {
	allowed := c.allowedOrigin(origin)
	if allowed == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", allowed)
	if allowed != "*" {
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowMethods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowHeaders, ", "))
	h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAge))
}

// NewCORSMiddleware sets CORS headers on every API response.
func NewCORSMiddleware(config CORSConfig) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		h := http.Header{}
		config.apply(h, ctx.Header("Origin"))
		for k, vs := range h {
			for _, v := range vs {
				ctx.AppendHeader(k, v)
			}
		}
		if ctx.Method() == http.MethodOptions {
			ctx.SetStatus(http.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// AddCORSHandler answers preflight requests on mux. Huma middleware only runs
// for registered operations, so OPTIONS never reaches it.
func AddCORSHandler(mux *http.ServeMux, config CORSConfig) {
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		config.apply(w.Header(), r.Header.Get("Origin"))
		w.WriteHeader(http.StatusNoContent)
	})
}
