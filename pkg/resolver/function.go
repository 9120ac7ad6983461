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
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Function resolves by invoking the variation's configured function with
// the request payload and returning its JSON response.
type Function struct {
	client lambdaAPI
}

// NewFunction returns a resolver backed by the given function client.
func NewFunction(client lambdaAPI) *Function {
	return &Function{client: client}
}

func (f *Function) Resolve(ctx context.Context, req *Request) (*recapi.Response, error) {
	arn := req.Variation.Arn
	if arn == "" {
		return nil, recapi.NewConfigError(http.StatusNotFound, "FunctionArnNotConfigured", "variation has no function arn configured")
	}
	return invokeFunction(ctx, f.client, arn, newPayload(req, true))
}

// invokeFunction calls the function synchronously and decodes its JSON
// response. Shared with the response post-processor.
func invokeFunction(ctx context.Context, client lambdaAPI, arn string, p *payload) (*recapi.Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal function payload: %w", err)
	}
	out, err := client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(arn),
		InvocationType: types.InvocationTypeRequestResponse,
		LogType:        types.LogTypeTail,
		Payload:        body,
	})
	if err != nil {
		return nil, recapi.FromAWS(err)
	}
	if msg := aws.ToString(out.FunctionError); msg != "" {
		return nil, recapi.NewDownstreamError(http.StatusInternalServerError, "FunctionInvokeError", msg, nil)
	}
	if out.StatusCode != http.StatusOK {
		return nil, recapi.NewDownstreamError(int(out.StatusCode), "FunctionInvokeError", fmt.Sprintf("function returned status %d", out.StatusCode), nil)
	}

	resp := &recapi.Response{}
	if err := json.Unmarshal(out.Payload, resp); err != nil {
		return nil, recapi.NewDownstreamError(http.StatusInternalServerError, "FunctionInvokeError", "function returned a malformed response", err)
	}
	return resp, nil
}
