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

// Package resolver dispatches inference requests to the configured
// backend: the managed recommendation service, a hosted model endpoint, a
// function, or a plain HTTP service. All backends answer the same request
// shape and return the common response model.
package resolver

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// payloadVersion is the contract version sent to function and endpoint
// backends.
const payloadVersion = "1.0"

// Request is one inference call, assembled by the request pipeline.
type Request struct {
	Action      string
	Recommender *config.EffectiveRecommender
	// Variation is the chosen variation with inheritance applied.
	Variation *config.Variation

	UserID string
	// ItemID is set for related-items requests.
	ItemID string
	// ItemIDs is the rerank input list.
	ItemIDs []string
	// NumResults is the look-ahead adjusted result count. Zero for
	// rerank requests, which return the whole input.
	NumResults int

	FilterArn    string
	FilterValues map[string]string
	Context      map[string]string

	// QueryParams feed URL template expansion for HTTP backends.
	QueryParams map[string]string

	// IncludeMetadata asks managed backends to return the configured
	// item columns inline.
	IncludeMetadata bool
}

// A Resolver produces recommendations for a request.
type Resolver interface {
	Resolve(ctx context.Context, req *Request) (*recapi.Response, error)
}

var throttledRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "personalization_inference_throttled_requests_total",
	Help: "Number of inference requests throttled by the backend.",
}, []string{"arn"})

// RegisterMetrics registers the resolver metrics with the registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(throttledRequests)
}

// payload is the request contract for function and endpoint backends and
// the response post-processor.
type payload struct {
	Version     string             `json:"version"`
	Action      string             `json:"action"`
	Recommender payloadRecommender `json:"recommender"`
	Variation   *config.Variation  `json:"variation"`
	// UserID is present for every resolver call, empty or not; the
	// post-processor drops it for related-items requests.
	UserID     *string           `json:"userId,omitempty"`
	ItemID     string            `json:"itemId,omitempty"`
	NumResults int               `json:"numResults,omitempty"`
	ItemList   []string          `json:"itemList,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Response   *recapi.Response  `json:"response,omitempty"`
}

type payloadRecommender struct {
	Path string `json:"path"`
	// Config is omitted for endpoint backends, which only receive the
	// recommender path.
	Config *config.EffectiveRecommender `json:"config,omitempty"`
}

func newPayload(req *Request, withConfig bool) *payload {
	p := &payload{
		Version:   payloadVersion,
		Action:    req.Action,
		Variation: req.Variation,
		UserID:    aws.String(req.UserID),
		Context:   req.Context,
	}
	p.Recommender.Path = req.Recommender.Path
	if withConfig {
		p.Recommender.Config = req.Recommender
	}
	switch req.Action {
	case config.ActionRelatedItems:
		p.ItemID = req.ItemID
		p.NumResults = req.NumResults
	case config.ActionRerankItems:
		p.ItemList = req.ItemIDs
	default:
		p.NumResults = req.NumResults
	}
	return p
}
