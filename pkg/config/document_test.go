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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const inheritanceFixture = `{
  "version": "7",
  "cacheControl": {
    "userSpecified": {"maxAge": 10, "directives": "private"}
  },
  "autoContext": {
    "deviceType": {"default": "Desktop"}
  },
  "namespaces": {
    "ns-inherit-1": {
      "cacheControl": {
        "userSpecified": {"maxAge": 20, "directives": "private"}
      },
      "recommenders": {
        "recommend-items": {
          "popular": {
            "cacheControl": {
              "userSpecified": {"maxAge": 30, "directives": "private"}
            },
            "variations": {
              "default": {"type": "managed-recommender", "arn": "arn:aws:personalize:us-east-1:123456789012:recommender/popular"}
            }
          }
        },
        "related-items": {
          "similar": {
            "cacheControl": {
              "userSpecified": {"maxAge": 40, "directives": "private"}
            }
          }
        }
      }
    },
    "ns-inherit-2": {
      "recommenders": {
        "recommend-items": {
          "popular": {
            "cacheControl": {
              "userSpecified": {"maxAge": 60, "directives": "private"}
            }
          },
          "trending": {}
        }
      }
    }
  }
}`

func mustParseDocument(t *testing.T, data string) *Document {
	t.Helper()
	doc := &Document{}
	require.NoError(t, json.Unmarshal([]byte(data), doc))
	return doc
}

func userMaxAge(t *testing.T, cc *CacheControl) int {
	t.Helper()
	require.NotNil(t, cc)
	require.NotNil(t, cc.UserSpecified)
	require.NotNil(t, cc.UserSpecified.MaxAge)
	return *cc.UserSpecified.MaxAge
}

func TestEffectiveNamespaceInheritance(t *testing.T) {
	t.Parallel()

	doc := mustParseDocument(t, inheritanceFixture)

	// Explicit namespace setting wins over the root.
	ns := doc.EffectiveNamespace("ns-inherit-1")
	require.NotNil(t, ns)
	require.Equal(t, "ns-inherit-1", ns.Name)
	require.Equal(t, 20, userMaxAge(t, ns.CacheControl))

	// Absent namespace setting falls back to the root.
	ns = doc.EffectiveNamespace("ns-inherit-2")
	require.NotNil(t, ns)
	require.Equal(t, 10, userMaxAge(t, ns.CacheControl))
	require.Contains(t, ns.AutoContext, "deviceType")

	require.Nil(t, doc.EffectiveNamespace("absent"))
}

func TestEffectiveRecommenderInheritance(t *testing.T) {
	t.Parallel()

	doc := mustParseDocument(t, inheritanceFixture)

	for _, tc := range []struct {
		namespace, path, action string
		wantMaxAge              int
		wantAction              string
	}{
		{"ns-inherit-1", "popular", ActionRecommendItems, 30, ActionRecommendItems},
		{"ns-inherit-1", "similar", ActionRelatedItems, 40, ActionRelatedItems},
		// Recommender without its own setting inherits the namespace.
		{"ns-inherit-2", "popular", ActionRecommendItems, 60, ActionRecommendItems},
		// Namespace without its own setting passes the root through.
		{"ns-inherit-2", "trending", ActionRecommendItems, 10, ActionRecommendItems},
	} {
		rec := doc.EffectiveRecommender(tc.namespace, tc.path, tc.action)
		require.NotNil(t, rec, "recommender %s/%s", tc.namespace, tc.path)
		require.Equal(t, tc.namespace, rec.Namespace)
		require.Equal(t, tc.path, rec.Path)
		require.Equal(t, tc.wantAction, rec.Action)
		require.Equal(t, tc.wantMaxAge, userMaxAge(t, rec.CacheControl))
	}

	require.Nil(t, doc.EffectiveRecommender("ns-inherit-1", "absent", ActionRecommendItems))
	require.Nil(t, doc.EffectiveRecommender("ns-inherit-1", "popular", ActionRerankItems))
	require.Nil(t, doc.EffectiveRecommender("absent", "popular", ActionRecommendItems))
}

func TestEffectiveRecommenderActionSearch(t *testing.T) {
	t.Parallel()

	doc := mustParseDocument(t, `{
	  "namespaces": {
	    "shop": {
	      "recommenders": {
	        "related-items": {
	          "similar": {},
	          "both": {"cacheControl": {"userSpecified": {"maxAge": 2}}}
	        },
	        "recommend-items": {
	          "both": {"cacheControl": {"userSpecified": {"maxAge": 1}}}
	        }
	      }
	    }
	  }
	}`)

	// Without an action, buckets are searched in a fixed order.
	rec := doc.EffectiveRecommender("shop", "similar", "")
	require.NotNil(t, rec)
	require.Equal(t, ActionRelatedItems, rec.Action)

	rec = doc.EffectiveRecommender("shop", "both", "")
	require.NotNil(t, rec)
	require.Equal(t, ActionRecommendItems, rec.Action)
	require.Equal(t, 1, userMaxAge(t, rec.CacheControl))

	require.Nil(t, doc.EffectiveRecommender("shop", "absent", ""))
}

func TestEffectiveVariationInheritance(t *testing.T) {
	t.Parallel()

	doc := mustParseDocument(t, inheritanceFixture)
	rec := doc.EffectiveRecommender("ns-inherit-1", "popular", ActionRecommendItems)
	require.NotNil(t, rec)

	_, base := rec.Variations.At(0)
	v := rec.EffectiveVariation(base)
	require.NotNil(t, v)
	require.Equal(t, VariationManagedRecommender, v.Type)
	// The variation carries no cache control of its own.
	require.Equal(t, 30, userMaxAge(t, v.CacheControl))
	require.Contains(t, v.AutoContext, "deviceType")

	own := &Variation{Type: VariationHTTP}
	own.CacheControl = &CacheControl{UserSpecified: &CacheDirectives{MaxAge: intptr(5)}}
	v = rec.EffectiveVariation(own)
	require.Equal(t, 5, userMaxAge(t, v.CacheControl))

	require.Nil(t, rec.EffectiveVariation(nil))
}

func TestViewsDoNotMutateTree(t *testing.T) {
	t.Parallel()

	doc := mustParseDocument(t, inheritanceFixture)

	_ = doc.EffectiveNamespace("ns-inherit-2")
	_ = doc.EffectiveRecommender("ns-inherit-2", "trending", "")

	// The stored nodes still have no cache control of their own.
	require.Nil(t, doc.Namespaces["ns-inherit-2"].CacheControl)
	require.Nil(t, doc.Namespaces["ns-inherit-2"].Recommenders[ActionRecommendItems]["trending"].CacheControl)
}

func TestEffectiveRecommenderMarshalsAsRecommender(t *testing.T) {
	t.Parallel()

	doc := mustParseDocument(t, inheritanceFixture)
	rec := doc.EffectiveRecommender("ns-inherit-1", "popular", ActionRecommendItems)
	require.NotNil(t, rec)

	out, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &raw))
	require.Contains(t, raw, "variations")
	require.NotContains(t, raw, "Namespace")
	require.NotContains(t, raw, "Path")
}

func TestExperimentMetric(t *testing.T) {
	t.Parallel()

	e := &Experiment{
		Method:  ExperimentMethodManagedEvaluator,
		Project: "storefront",
		Metrics: map[string]*ExperimentMetric{
			"clicks": {EntityIDKey: "userDetails.userId"},
		},
	}
	require.NotNil(t, e.Metric("clicks"))
	require.Nil(t, e.Metric("absent"))
	// A single configured metric is also reachable without a name.
	require.NotNil(t, e.Metric(""))

	e.Metrics["purchases"] = &ExperimentMetric{}
	require.Nil(t, e.Metric(""))

	require.True(t, (&ExperimentMetric{}).TracksExposures())
	require.False(t, (&ExperimentMetric{TrackExposures: boolptr(false)}).TracksExposures())
}

func intptr(v int) *int    { return &v }
func boolptr(v bool) *bool { return &v }
