// Copyright 2025 The personalization-engine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway is the HTTP front door of the personalization engine.
// It routes inference and event requests, drives the per-request pipeline
// of variation selection, context resolution, resolver dispatch, item
// decoration and response post-processing, and translates failures into
// the API error envelope.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/personalization-apis/personalization-engine/pkg/config"
	"github.com/personalization-apis/personalization-engine/pkg/decorator"
	"github.com/personalization-apis/personalization-engine/pkg/events"
	"github.com/personalization-apis/personalization-engine/pkg/experiments"
	"github.com/personalization-apis/personalization-engine/pkg/resolver"
)

// Response header echoing the configuration document version.
const headerConfigVersion = "X-Personalization-Config-Version"

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "personalization_http_request_duration_seconds",
		Help:    "Duration of API requests by route pattern, method and status code.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"handler", "method", "code"},
)

// RegisterMetrics registers the gateway metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(requestDuration)
}

// configSource hands out the current configuration document.
type configSource interface {
	Config(ctx context.Context) (*config.Document, error)
}

// Options configures the components the gateway dispatches to. Config,
// Selector and Resolvers must be set; the remaining components are
// optional and their features are disabled when absent.
type Options struct {
	// Config provides the configuration document for each request.
	Config configSource
	// Selector picks the variation serving a request, running A/B
	// experiments where configured.
	Selector *experiments.Selector
	// Resolvers maps a variation type to the resolver dispatching it.
	Resolvers map[string]resolver.Resolver
	// Registry hands out item metadata decorators and keeps their
	// datastores fresh.
	Registry *decorator.Registry
	// PostProcessor applies the configured response post-processor
	// function.
	PostProcessor *resolver.PostProcessor
	// FanOut delivers ingested events to the configured targets.
	FanOut *events.FanOut
	// Conversions records experiment conversions carried on event
	// requests.
	Conversions *experiments.Evidently

	// Region and AccountID expand caller-supplied filter names into
	// fully qualified resource names.
	Region    string
	AccountID string

	// AllowedOrigins restricts cross-origin callers. Empty allows any
	// origin.
	AllowedOrigins []string
}

// Gateway serves the personalization API. It implements http.Handler.
type Gateway struct {
	logger log.Logger
	opts   Options
	router chi.Router

	now func() time.Time
}

// New returns a gateway serving the API routes with the given components.
func New(logger log.Logger, opts *Options) *Gateway {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts == nil {
		opts = &Options{}
	}
	g := &Gateway{
		logger: logger,
		opts:   *opts,
		now:    time.Now,
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         500,
	}))
	r.Use(g.instrument)

	r.Get("/recommend-items/{namespace}/{recommender}/{userId}", g.handleRecommendItems)
	r.Get("/related-items/{namespace}/{recommender}/{itemId}", g.handleRelatedItems)
	r.Get("/rerank-items/{namespace}/{recommender}/{userId}/{itemIds}", g.handleRerankItemsPath)
	r.Post("/rerank-items/{namespace}/{recommender}/{userId}", g.handleRerankItemsBody)
	r.Post("/events/{namespace}", g.handleEvents)

	g.router = r
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		duration := time.Since(start)
		requestDuration.WithLabelValues(pattern, r.Method, strconv.Itoa(ww.Status())).Observe(duration.Seconds())
		_ = level.Debug(g.logger).Log(
			"msg", "request served",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", duration,
		)
	})
}
