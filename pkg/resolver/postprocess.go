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
	"net/http"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// PostProcessor invokes the recommender's response post-processing
// function with the resolved response and returns the function's
// replacement response.
type PostProcessor struct {
	client lambdaAPI
}

// NewPostProcessor returns a post-processor backed by the given function
// client.
func NewPostProcessor(client lambdaAPI) *PostProcessor {
	return &PostProcessor{client: client}
}

// Process sends the response through the configured function. Related
// item requests identify themselves by item, all others by user.
func (p *PostProcessor) Process(ctx context.Context, req *Request, resp *recapi.Response) (*recapi.Response, error) {
	cfg := req.Recommender.ResponsePostProcessor
	if cfg == nil || cfg.Arn == "" {
		return nil, recapi.NewConfigError(http.StatusNotFound, "FunctionArnNotConfigured", "recommender has no response post processor function arn configured")
	}

	payload := newPayload(req, true)
	payload.NumResults = 0
	payload.ItemList = nil
	payload.Context = nil
	payload.Response = resp
	if req.Action == config.ActionRelatedItems {
		payload.UserID = nil
	} else {
		payload.ItemID = ""
	}
	return invokeFunction(ctx, p.client, cfg.Arn, payload)
}
