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

// Package config models the personalization configuration document and
// provides a cached provider that fetches it from the local configuration
// sidecar.
//
// The document is a tree: root, namespaces, recommenders (grouped by
// action) and variations. A fixed set of settings is inherited down the
// tree; lookups return effective views with inheritance applied while the
// stored tree is never mutated.
package config

// Inference actions, in the order action-less recommender lookups search
// them.
const (
	ActionRecommendItems = "recommend-items"
	ActionRelatedItems   = "related-items"
	ActionRerankItems    = "rerank-items"
)

var actionSearchOrder = []string{ActionRecommendItems, ActionRelatedItems, ActionRerankItems}

// Variation types.
const (
	VariationManagedRecommender = "managed-recommender"
	VariationManagedCampaign    = "managed-campaign"
	VariationModelEndpoint      = "model-endpoint"
	VariationFunction           = "function"
	VariationHTTP               = "http"
)

// Item metadata store types.
const (
	MetadataKeyValueStore = "key-value-store"
	MetadataLocalFile     = "local-file"
	MetadataManaged       = "managed"
)

// Event target types.
const (
	EventTargetManagedTracker = "managed-tracker"
	EventTargetStream         = "stream"
	EventTargetDeliveryStream = "delivery-stream"
)

// Experiment evaluation methods.
const (
	ExperimentMethodManagedEvaluator = "managed-evaluator"
)

// Filter conditions.
const (
	FilterConditionUserRequired = "user-required"
)

// Inheritable holds the settings a node takes from its nearest ancestor
// when it does not define them itself. A node inherits a setting only when
// its own value is entirely absent; an explicit empty value stops
// inheritance.
type Inheritable struct {
	AutoContext           AutoContext   `json:"autoContext,omitempty"`
	Filters               []*Filter     `json:"filters,omitempty"`
	CacheControl          *CacheControl `json:"cacheControl,omitempty"`
	InferenceItemMetadata *ItemMetadata `json:"inferenceItemMetadata,omitempty"`
}

func (c *Inheritable) inheritFrom(parent *Inheritable) {
	if c.AutoContext == nil {
		c.AutoContext = parent.AutoContext
	}
	if c.Filters == nil {
		c.Filters = parent.Filters
	}
	if c.CacheControl == nil {
		c.CacheControl = parent.CacheControl
	}
	if c.InferenceItemMetadata == nil {
		c.InferenceItemMetadata = parent.InferenceItemMetadata
	}
}

// AutoContext maps context field names to their derivation rules.
type AutoContext map[string]*AutoContextField

// AutoContextField describes how one context field is derived from the
// incoming request.
type AutoContextField struct {
	Type        string             `json:"type,omitempty"`
	Default     any                `json:"default,omitempty"`
	EvaluateAll bool               `json:"evaluateAll,omitempty"`
	Rules       []*AutoContextRule `json:"rules,omitempty"`
}

// AutoContextRule derives candidate values from one request attribute.
type AutoContextRule struct {
	Type          string          `json:"type,omitempty"`
	Header        string          `json:"header,omitempty"`
	ValueMappings []*ValueMapping `json:"valueMappings,omitempty"`
}

// ValueMapping rewrites a derived value when its operator matches.
type ValueMapping struct {
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
	MapTo    any    `json:"mapTo,omitempty"`
}

// Filter is a pre-configured inference filter. An empty condition makes it
// an unconditional default; "user-required" restricts it to requests that
// carry a user.
type Filter struct {
	Arn       string `json:"arn,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// CacheControl holds the per-tier cache directive sets.
type CacheControl struct {
	UserSpecified          *CacheDirectives `json:"userSpecified,omitempty"`
	SyntheticUserSpecified *CacheDirectives `json:"syntheticUserSpecified,omitempty"`
	NoUserSpecified        *CacheDirectives `json:"noUserSpecified,omitempty"`
}

// CacheDirectives is one tier's cache policy: an optional max age in
// seconds plus literal Cache-Control directives.
type CacheDirectives struct {
	MaxAge     *int   `json:"maxAge,omitempty"`
	Directives string `json:"directives,omitempty"`
}

// ItemMetadata configures the namespace's item metadata store.
type ItemMetadata struct {
	Type         string   `json:"type,omitempty"`
	SyncInterval int      `json:"syncInterval,omitempty"`
	ItemColumns  []string `json:"itemColumns,omitempty"`
}

// EventTarget is one destination for ingested events.
type EventTarget struct {
	Type       string `json:"type,omitempty"`
	TrackingID string `json:"trackingId,omitempty"`
	StreamName string `json:"streamName,omitempty"`
}

// FilterSettings holds variation-level filter behavior.
type FilterSettings struct {
	AutoDynamicFilterValues AutoContext `json:"autoDynamicFilterValues,omitempty"`
}

// Variation is one concrete inference backend of a recommender.
type Variation struct {
	Inheritable

	Type         string          `json:"type,omitempty"`
	Arn          string          `json:"arn,omitempty"`
	EndpointName string          `json:"endpointName,omitempty"`
	URL          string          `json:"url,omitempty"`
	Filter       *FilterSettings `json:"filter,omitempty"`
}

// ExperimentMetric configures conversion reporting for one experiment
// metric.
type ExperimentMetric struct {
	EntityIDKey    string `json:"entityIdKey,omitempty"`
	ValueKey       string `json:"valueKey,omitempty"`
	TrackExposures *bool  `json:"trackExposures,omitempty"`
}

// TracksExposures reports whether exposure events should be recorded for
// this metric. Defaults to true when unset.
func (m *ExperimentMetric) TracksExposures() bool {
	return m.TrackExposures == nil || *m.TrackExposures
}

// Experiment configures an active experiment on a recommender.
type Experiment struct {
	Method  string                       `json:"method,omitempty"`
	Project string                       `json:"project,omitempty"`
	Metrics map[string]*ExperimentMetric `json:"metrics,omitempty"`
}

// PostProcessor configures the optional response post-processing function
// and its look-ahead over-fetch.
type PostProcessor struct {
	Arn                   string `json:"arn,omitempty"`
	LookAheadMultiplier   int    `json:"lookAheadMultiplier,omitempty"`
	LookAheadMaximumValue int    `json:"lookAheadMaximumValue,omitempty"`
}

// Recommender is one named recommender under a namespace action.
type Recommender struct {
	Inheritable

	Variations            *OrderedMap[*Variation]  `json:"variations,omitempty"`
	Experiments           *OrderedMap[*Experiment] `json:"experiments,omitempty"`
	ResponsePostProcessor *PostProcessor           `json:"responsePostProcessor,omitempty"`
}

// Namespace groups recommenders and event targets under one path segment.
type Namespace struct {
	Inheritable

	// Recommenders maps action name to recommender path to recommender.
	Recommenders map[string]map[string]*Recommender `json:"recommenders,omitempty"`
	EventTargets []*EventTarget                     `json:"eventTargets,omitempty"`
}

// Document is the root of the configuration tree.
type Document struct {
	Inheritable

	Version    string                `json:"version,omitempty"`
	Namespaces map[string]*Namespace `json:"namespaces,omitempty"`
}

// EffectiveNamespace is a namespace view with root-level inheritance
// applied.
type EffectiveNamespace struct {
	Name string `json:"-"`

	Namespace
}

// EffectiveRecommender is a recommender view with namespace and root
// inheritance applied, along with the lookup coordinates that produced it.
// Marshaling it yields exactly the recommender configuration.
type EffectiveRecommender struct {
	Namespace string `json:"-"`
	Path      string `json:"-"`
	Action    string `json:"-"`

	Recommender
}

// EffectiveNamespace returns an inheritance-resolved view of the named
// namespace, or nil when it does not exist. The view is a fresh copy; the
// stored tree is never mutated.
func (d *Document) EffectiveNamespace(name string) *EffectiveNamespace {
	if d == nil {
		return nil
	}
	ns, ok := d.Namespaces[name]
	if !ok {
		return nil
	}
	view := &EffectiveNamespace{Name: name, Namespace: *ns}
	view.inheritFrom(&d.Inheritable)
	return view
}

// EffectiveRecommender returns an inheritance-resolved view of the
// recommender at path under the namespace, or nil when either does not
// exist. With an empty action the action buckets are searched in a fixed
// order and the first match wins.
func (d *Document) EffectiveRecommender(namespace, path, action string) *EffectiveRecommender {
	ns := d.EffectiveNamespace(namespace)
	if ns == nil {
		return nil
	}
	actions := actionSearchOrder
	if action != "" {
		actions = []string{action}
	}
	for _, a := range actions {
		rec, ok := ns.Recommenders[a][path]
		if !ok {
			continue
		}
		view := &EffectiveRecommender{
			Namespace:   namespace,
			Path:        path,
			Action:      a,
			Recommender: *rec,
		}
		view.inheritFrom(&ns.Inheritable)
		return view
	}
	return nil
}

// EffectiveVariation returns the variation with recommender-level
// inheritance applied. The stored variation is not modified.
func (r *EffectiveRecommender) EffectiveVariation(v *Variation) *Variation {
	if v == nil {
		return nil
	}
	view := *v
	view.inheritFrom(&r.Inheritable)
	return &view
}

// Metric returns the named experiment metric. With an empty name it
// returns the sole configured metric, or nil when there are zero or
// several.
func (e *Experiment) Metric(name string) *ExperimentMetric {
	if e == nil {
		return nil
	}
	if name != "" {
		return e.Metrics[name]
	}
	if len(e.Metrics) != 1 {
		return nil
	}
	for _, m := range e.Metrics {
		return m
	}
	return nil
}
