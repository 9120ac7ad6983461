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

package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

var templateParam = regexp.MustCompile(`\{([^{}]+)\}`)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTP resolves against an arbitrary HTTP service. The variation's URL is
// a template whose {name} placeholders are filled from the request's
// query parameters. Repeated failures open a circuit breaker so a dead
// backend fails fast.
type HTTP struct {
	client  httpDoer
	breaker *gobreaker.CircuitBreaker
}

// NewHTTP returns a resolver calling out with the given client.
func NewHTTP(logger log.Logger, client httpDoer) *HTTP {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if client == nil {
		client = http.DefaultClient
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "http-resolver",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			_ = level.Info(logger).Log("msg", "circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &HTTP{client: client, breaker: breaker}
}

func (h *HTTP) Resolve(ctx context.Context, req *Request) (*recapi.Response, error) {
	if req.Variation.URL == "" {
		return nil, recapi.NewConfigError(http.StatusNotFound, "UrlNotConfigured", "variation has no url configured")
	}
	url, err := expandTemplate(req.Variation.URL, req.QueryParams)
	if err != nil {
		return nil, err
	}

	result, err := h.breaker.Execute(func() (any, error) {
		return h.get(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, recapi.NewDownstreamError(http.StatusInternalServerError, "HttpResolverUnavailable", "resolver temporarily unavailable", err)
		}
		var apiErr *recapi.Error
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, recapi.NewDownstreamError(http.StatusInternalServerError, "HttpResolverError", err.Error(), err)
	}
	return result.(*recapi.Response), nil
}

func (h *HTTP) get(ctx context.Context, url string) (*recapi.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode/100 != 2 {
		return nil, recapi.NewDownstreamError(http.StatusInternalServerError, "HttpResolverError", fmt.Sprintf("resolver returned status %d", httpResp.StatusCode), nil)
	}

	resp := &recapi.Response{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, recapi.NewDownstreamError(http.StatusInternalServerError, "HttpResolverError", "resolver returned a malformed response", err)
	}
	return resp, nil
}

// expandTemplate fills {name} placeholders from query parameters. A
// placeholder without a matching parameter fails the request.
func expandTemplate(tmpl string, params map[string]string) (string, error) {
	var missing []string
	out := templateParam.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", recapi.NewValidationError("MissingQueryParameter", "url template parameter %q has no matching query parameter", missing[0])
	}
	return out, nil
}
