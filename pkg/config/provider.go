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

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

const (
	// DefaultSidecarURL is the address of the local configuration sidecar.
	DefaultSidecarURL = "http://localhost:2772"
	// DefaultMaxAge bounds how long a fetched document is served from
	// cache before the sidecar is asked again.
	DefaultMaxAge = 10 * time.Second
)

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProviderOptions holds options for a configuration provider.
type ProviderOptions struct {
	// SidecarURL is the base address of the configuration sidecar.
	// Defaults to DefaultSidecarURL.
	SidecarURL string
	// PrefetchPath is the sidecar path of the configuration profile.
	PrefetchPath string
	// MaxAge bounds how long a fetched document is cached. Defaults to
	// DefaultMaxAge.
	MaxAge time.Duration
	// Client is used for sidecar requests. Defaults to
	// http.DefaultClient.
	Client httpClient
}

func (opts *ProviderOptions) setDefaults() {
	if opts.SidecarURL == "" {
		opts.SidecarURL = DefaultSidecarURL
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
}

// Provider fetches the configuration document from the sidecar and caches
// it for a bounded time. When a refresh fails, the last-known snapshot is
// served instead and the next call retries.
type Provider struct {
	logger log.Logger
	client httpClient
	url    string
	maxAge time.Duration

	mtx     sync.Mutex
	doc     *Document
	expires time.Time

	fetchesTotal    *prometheus.CounterVec
	lastSuccess     prometheus.Gauge
	lastSuccessTime prometheus.Gauge
}

// NewProvider returns a provider fetching from the configuration sidecar.
func NewProvider(logger log.Logger, reg prometheus.Registerer, opts *ProviderOptions) *Provider {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts == nil {
		opts = &ProviderOptions{}
	}
	opts.setDefaults()

	url := strings.TrimSuffix(opts.SidecarURL, "/")
	if opts.PrefetchPath != "" {
		if !strings.HasPrefix(opts.PrefetchPath, "/") {
			url += "/"
		}
		url += opts.PrefetchPath
	}

	p := &Provider{
		logger: logger,
		client: opts.Client,
		url:    url,
		maxAge: opts.MaxAge,
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personalization_config_fetches_total",
			Help: "Number of configuration fetches from the sidecar.",
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "personalization_config_last_fetch_successful",
			Help: "Whether the last configuration fetch was successful.",
		}),
		lastSuccessTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "personalization_config_last_fetch_success_timestamp_seconds",
			Help: "Timestamp of the last successful configuration fetch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.fetchesTotal, p.lastSuccess, p.lastSuccessTime)
	}
	return p
}

// Config returns the current configuration document. A cached document is
// returned as long as it is fresh. On fetch failure the last-known
// snapshot is served when one exists, without extending its freshness.
func (p *Provider) Config(ctx context.Context) (*Document, error) {
	p.mtx.Lock()
	if p.doc != nil && time.Now().Before(p.expires) {
		doc := p.doc
		p.mtx.Unlock()
		return doc, nil
	}
	p.mtx.Unlock()

	body, err := p.fetch(ctx)
	if err != nil {
		p.fetchesTotal.WithLabelValues("error").Inc()
		p.lastSuccess.Set(0)

		p.mtx.Lock()
		defer p.mtx.Unlock()
		if p.doc != nil {
			_ = level.Warn(p.logger).Log("msg", "serving stale configuration after failed fetch", "err", err)
			return p.doc, nil
		}
		return nil, recapi.NewConfigError(http.StatusInternalServerError, "ConfigurationUnavailable", "fetching configuration: %s", err)
	}

	doc := &Document{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, doc); err != nil {
			p.fetchesTotal.WithLabelValues("error").Inc()
			p.lastSuccess.Set(0)
			return nil, recapi.NewConfigError(http.StatusInternalServerError, "InvalidConfiguration", "parsing configuration: %s", err)
		}
	}
	p.fetchesTotal.WithLabelValues("success").Inc()
	p.lastSuccess.Set(1)
	p.lastSuccessTime.SetToCurrentTime()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.doc = doc
	p.expires = time.Now().Add(p.maxAge)
	return doc, nil
}

func (p *Provider) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("sidecar returned status %d", resp.StatusCode)
	}
	return body, nil
}
