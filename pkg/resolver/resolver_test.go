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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/personalization-apis/personalization-engine/pkg/config"
)

const resolverRecommenderDoc = `{
  "variations": {
    "default": {"type": "managed-recommender"}
  }
}`

func testRequest(t *testing.T, action string, variation *config.Variation) *Request {
	t.Helper()
	rec := &config.EffectiveRecommender{Namespace: "ns1", Path: "rec1", Action: action}
	require.NoError(t, json.Unmarshal([]byte(resolverRecommenderDoc), &rec.Recommender))

	req := &Request{
		Action:      action,
		Recommender: rec,
		Variation:   variation,
		UserID:      "u1",
		NumResults:  5,
	}
	switch action {
	case config.ActionRelatedItems:
		req.ItemID = "i-7"
	case config.ActionRerankItems:
		req.ItemIDs = []string{"i-1", "i-2", "i-3"}
		req.NumResults = 0
	}
	return req
}

func decodePayload(t *testing.T, raw []byte) map[string]json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func payloadString(t *testing.T, m map[string]json.RawMessage, key string) string {
	t.Helper()
	require.Contains(t, m, key)
	var s string
	require.NoError(t, json.Unmarshal(m[key], &s))
	return s
}
