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
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

type endpointAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// Endpoint resolves against a hosted model endpoint, posting the request
// payload as JSON and decoding the model's JSON response. The endpoint
// only receives the recommender path, not its configuration.
type Endpoint struct {
	client endpointAPI
}

// NewEndpoint returns a resolver backed by the given runtime client.
func NewEndpoint(client endpointAPI) *Endpoint {
	return &Endpoint{client: client}
}

func (e *Endpoint) Resolve(ctx context.Context, req *Request) (*recapi.Response, error) {
	name := req.Variation.EndpointName
	if name == "" {
		return nil, recapi.NewConfigError(http.StatusNotFound, "EndpointNameNotConfigured", "variation has no endpoint name configured")
	}

	body, err := json.Marshal(newPayload(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal endpoint payload: %w", err)
	}
	out, err := e.client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(name),
		Body:         body,
		ContentType:  aws.String("application/json"),
		Accept:       aws.String("application/json"),
	})
	if err != nil {
		return nil, recapi.FromAWS(err)
	}

	resp := &recapi.Response{}
	if err := json.Unmarshal(out.Body, resp); err != nil {
		return nil, recapi.NewDownstreamError(http.StatusInternalServerError, "EndpointInvokeError", "endpoint returned a malformed response", err)
	}
	return resp, nil
}
