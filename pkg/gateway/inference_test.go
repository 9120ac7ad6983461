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

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/evidently"
	evidentlytypes "github.com/aws/aws-sdk-go-v2/service/evidently/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
	runtimetypes "github.com/aws/aws-sdk-go-v2/service/personalizeruntime/types"
	"github.com/stretchr/testify/require"
)

func TestRelatedItemsLocalFileDecoration(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	writeLocalMetadata(t, tg.dataDir, "ns2", map[string]string{
		"i-7": `{"title": "X"}`,
	})
	tg.lambda.outs = []*lambda.InvokeOutput{itemsOutput("i-7", "i-8")}

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/related-items/ns2/rec/i-7", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	list := body["itemList"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	require.Equal(t, "i-7", first["itemId"])
	require.Equal(t, map[string]any{"title": "X"}, first["metadata"])
	// No metadata row, no metadata key.
	second := list[1].(map[string]any)
	require.NotContains(t, second, "metadata")

	// The function was asked about the item, not a user.
	var payload map[string]any
	require.NoError(t, json.Unmarshal(tg.lambda.inputs()[0].Payload, &payload))
	require.Equal(t, "i-7", payload["itemId"])
	require.EqualValues(t, defaultNumResults, payload["numResults"])
}

func TestRelatedItemsDecorationOptOut(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	writeLocalMetadata(t, tg.dataDir, "ns2", map[string]string{
		"i-7": `{"title": "X"}`,
	})
	tg.lambda.outs = []*lambda.InvokeOutput{itemsOutput("i-7")}

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/related-items/ns2/rec/i-7?decorateItems=0", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	item := body["itemList"].([]any)[0].(map[string]any)
	require.NotContains(t, item, "metadata")
}

func TestRerankItemsPath(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	tg.personalize.rankOut = &personalizeruntime.GetPersonalizedRankingOutput{
		PersonalizedRanking: []runtimetypes.PredictedItem{
			{ItemId: aws.String("i-2")},
			{ItemId: aws.String("i-1")},
			{ItemId: aws.String("i-3")},
		},
	}

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/rerank-items/ns3/rec/u9/i-1,i-2,i-3", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "v42", rec.Header().Get(headerConfigVersion))
	// ns3 configures no cache control.
	require.Empty(t, rec.Header().Get("Cache-Control"))

	in := tg.personalize.rankIn
	require.NotNil(t, in)
	require.Equal(t, "arn:aws:personalize:us-east-1:123456789012:campaign/ranking", aws.ToString(in.CampaignArn))
	require.Equal(t, "u9", aws.ToString(in.UserId))
	require.Equal(t, []string{"i-1", "i-2", "i-3"}, in.InputList)

	body := decodeBody(t, rec)
	ids := responseItemIDs(t, body, "personalizedRanking")
	require.ElementsMatch(t, []string{"i-1", "i-2", "i-3"}, ids)
	require.Equal(t, []string{"i-2", "i-1", "i-3"}, ids)
}

func TestRerankItemsBody(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))

	req := httptest.NewRequest(http.MethodPost, "/rerank-items/ns3/rec/u9", strings.NewReader(`["i-1", "i-2"]`))
	rec := tg.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Empty(t, rec.Header().Get("ETag"))
	require.Equal(t, []string{"i-1", "i-2"}, tg.personalize.rankIn.InputList)
}

func TestRerankItemsBodyInvalid(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		body     string
		wantCode string
	}{
		{"not json", "not json", "InvalidJSONRequestPayload"},
		{"empty body", "", "InvalidJSONRequestPayload"},
		{"json object", `{"a": 1}`, "InvalidRequestPayload"},
		{"non-string entries", "[1, 2]", "InvalidRequestPayload"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tg := newTestGateway(t, parseDoc(t, gatewayDoc))
			req := httptest.NewRequest(http.MethodPost, "/rerank-items/ns3/rec/u9", strings.NewReader(tc.body))
			rec := tg.do(t, req)

			requireErrorEnvelope(t, rec, http.StatusBadRequest, tc.wantCode)
			require.Nil(t, tg.personalize.rankIn)
		})
	}
}

func TestExperimentExposure(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	tg.evidently.evaluateOut = &evidently.EvaluateFeatureOutput{
		Value:   &evidentlytypes.VariableValueMemberStringValue{Value: "challenger"},
		Reason:  aws.String("EXPERIMENT_RULE_MATCH"),
		Details: aws.String(`{"experiment": "exp-1"}`),
	}
	tg.lambda.outs = []*lambda.InvokeOutput{itemsOutput("i-9")}

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/recommend-items/ns4/rec/u2?feature=cta", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, []string{"i-9"}, responseItemIDs(t, body, "itemList"))
	matched, ok := body["matchedExperiment"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "cta", matched["feature"])

	// The winning arm's function served the request.
	ins := tg.lambda.inputs()
	require.Len(t, ins, 1)
	require.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:challenger", aws.ToString(ins[0].FunctionName))

	require.Len(t, tg.evidently.evaluated, 1)
	require.Equal(t, "cta", aws.ToString(tg.evidently.evaluated[0].Feature))
	require.Equal(t, "u2", aws.ToString(tg.evidently.evaluated[0].EntityId))

	// The exposure event was recorded before the handler returned.
	puts := tg.evidently.putInputs()
	require.Len(t, puts, 1)
	require.Equal(t, "storefront", aws.ToString(puts[0].Project))
}

func TestLookAheadOverfetch(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	curated, _ := json.Marshal(map[string]any{
		"itemList": []map[string]string{
			{"itemId": "c-1"}, {"itemId": "c-2"}, {"itemId": "c-3"},
			{"itemId": "c-4"}, {"itemId": "c-5"}, {"itemId": "c-6"},
		},
	})
	tg.lambda.outs = []*lambda.InvokeOutput{
		itemsOutput("i-1", "i-2", "i-3", "i-4", "i-5", "i-6", "i-7", "i-8"),
		{StatusCode: http.StatusOK, Payload: curated},
	}

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/recommend-items/ns1/boosted/u1?numResults=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	ins := tg.lambda.inputs()
	require.Len(t, ins, 2)

	// numResults*multiplier hits the configured ceiling of 8.
	var payload map[string]any
	require.NoError(t, json.Unmarshal(ins[0].Payload, &payload))
	require.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:recs", aws.ToString(ins[0].FunctionName))
	require.EqualValues(t, 8, payload["numResults"])

	// The post-processor got the full over-fetched response.
	require.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:curate", aws.ToString(ins[1].FunctionName))
	require.NoError(t, json.Unmarshal(ins[1].Payload, &payload))
	response, ok := payload["response"].(map[string]any)
	require.True(t, ok)
	require.Len(t, response["itemList"], 8)

	// The curated list is truncated back to the caller's numResults.
	body := decodeBody(t, rec)
	require.Equal(t, []string{"c-1", "c-2", "c-3", "c-4", "c-5"}, responseItemIDs(t, body, "itemList"))
}

func TestFilterResolution(t *testing.T) {
	t.Parallel()

	t.Run("user satisfies condition", func(t *testing.T) {
		t.Parallel()

		tg := newTestGateway(t, parseDoc(t, gatewayDoc))
		rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/recommend-items/ns-filters/rec/u1", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "arn:aws:personalize:us-east-1:123456789012:filter/members", aws.ToString(tg.personalize.recsIn.FilterArn))
	})

	t.Run("no user falls through to unconditional filter", func(t *testing.T) {
		t.Parallel()

		tg := newTestGateway(t, parseDoc(t, gatewayDoc))
		rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/related-items/ns-filters/rec/i-1", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "arn:aws:personalize:us-east-1:123456789012:filter/anyone", aws.ToString(tg.personalize.recsIn.FilterArn))
	})

	t.Run("caller filter name wins", func(t *testing.T) {
		t.Parallel()

		tg := newTestGateway(t, parseDoc(t, gatewayDoc))
		rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/recommend-items/ns-filters/rec/u1?filter=custom", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "arn:aws:personalize:us-east-1:123456789012:filter/custom", aws.ToString(tg.personalize.recsIn.FilterArn))
	})

	t.Run("filter values forwarded", func(t *testing.T) {
		t.Parallel()

		tg := newTestGateway(t, parseDoc(t, gatewayDoc))
		q := url.Values{"filterValues": {`{"genre": "\"Comedy\"", "year": 1999}`}}
		rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/recommend-items/ns-filters/rec/u1?"+q.Encode(), nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, map[string]string{"genre": `"Comedy"`, "year": "1999"}, tg.personalize.recsIn.FilterValues)
	})

	t.Run("invalid filter values", func(t *testing.T) {
		t.Parallel()

		tg := newTestGateway(t, parseDoc(t, gatewayDoc))
		q := url.Values{"filterValues": {"not json"}}
		rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/recommend-items/ns-filters/rec/u1?"+q.Encode(), nil))

		requireErrorEnvelope(t, rec, http.StatusBadRequest, "InvalidFilterParameter")
	})
}

func TestContextMerge(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	tg.lambda.outs = []*lambda.InvokeOutput{itemsOutput("i-1")}

	q := url.Values{"context": {`{"a": "b", "lat": 12.5}`}}
	req := httptest.NewRequest(http.MethodGet, "/recommend-items/ns1/contextual/u1?"+q.Encode(), nil)
	req.Header.Set("x-phone", "1")
	rec := tg.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(tg.lambda.inputs()[0].Payload, &payload))
	require.Equal(t, map[string]any{
		"a":          "b",
		"lat":        "12.5",
		"deviceType": "Phone",
	}, payload["context"])
}

func TestContextExplicitFieldWins(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	tg.lambda.outs = []*lambda.InvokeOutput{itemsOutput("i-1")}

	q := url.Values{"context": {`{"deviceType": "Desktop"}`}}
	req := httptest.NewRequest(http.MethodGet, "/recommend-items/ns1/contextual/u1?"+q.Encode(), nil)
	req.Header.Set("x-phone", "1")
	rec := tg.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(tg.lambda.inputs()[0].Payload, &payload))
	require.Equal(t, map[string]any{"deviceType": "Desktop"}, payload["context"])
}

func TestSyntheticUserTier(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, parseDoc(t, gatewayDoc))
	tg.lambda.outs = []*lambda.InvokeOutput{itemsOutput("i-1")}

	// rec1 only configures the userSpecified tier, so a synthetic user
	// gets no cache headers.
	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/recommend-items/ns1/rec1/u1?syntheticUser=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Cache-Control"))
	require.Empty(t, rec.Header().Get("ETag"))
}
