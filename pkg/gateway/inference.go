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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/autocontext"
	"github.com/personalization-apis/personalization-engine/pkg/background"
	"github.com/personalization-apis/personalization-engine/pkg/cachecontrol"
	"github.com/personalization-apis/personalization-engine/pkg/config"
	"github.com/personalization-apis/personalization-engine/pkg/resolver"
)

const defaultNumResults = 25

// inferenceRequest carries the path identity of one inference request.
// The user comes from the path for recommend-items and rerank-items and
// from the userId query parameter for related-items.
type inferenceRequest struct {
	action      string
	namespace   string
	recommender string
	userID      string
	itemID      string
	itemIDs     []string
}

func (g *Gateway) handleRecommendItems(w http.ResponseWriter, r *http.Request) {
	g.serveInference(w, r, &inferenceRequest{
		action:      config.ActionRecommendItems,
		namespace:   chi.URLParam(r, "namespace"),
		recommender: chi.URLParam(r, "recommender"),
		userID:      chi.URLParam(r, "userId"),
	})
}

func (g *Gateway) handleRelatedItems(w http.ResponseWriter, r *http.Request) {
	g.serveInference(w, r, &inferenceRequest{
		action:      config.ActionRelatedItems,
		namespace:   chi.URLParam(r, "namespace"),
		recommender: chi.URLParam(r, "recommender"),
		itemID:      chi.URLParam(r, "itemId"),
		userID:      r.URL.Query().Get("userId"),
	})
}

func (g *Gateway) handleRerankItemsPath(w http.ResponseWriter, r *http.Request) {
	g.serveInference(w, r, &inferenceRequest{
		action:      config.ActionRerankItems,
		namespace:   chi.URLParam(r, "namespace"),
		recommender: chi.URLParam(r, "recommender"),
		userID:      chi.URLParam(r, "userId"),
		itemIDs:     strings.Split(chi.URLParam(r, "itemIds"), ","),
	})
}

func (g *Gateway) handleRerankItemsBody(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}
	var itemIDs []string
	if err := json.Unmarshal(body, &itemIDs); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			err = recapi.NewValidationError("InvalidJSONRequestPayload", "request body is not valid JSON: %s", syntaxErr)
		} else {
			err = recapi.NewValidationError("InvalidRequestPayload", "request body must be a JSON array of item ids")
		}
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}
	g.serveInference(w, r, &inferenceRequest{
		action:      config.ActionRerankItems,
		namespace:   chi.URLParam(r, "namespace"),
		recommender: chi.URLParam(r, "recommender"),
		userID:      chi.URLParam(r, "userId"),
		itemIDs:     itemIDs,
	})
}

// serveInference runs the shared request sequence around the pipeline:
// conditional-GET short circuit, config fetch, background group lifecycle
// and response serialization. Background task failures surface at group
// close and replace the response.
func (g *Gateway) serveInference(w http.ResponseWriter, r *http.Request, in *inferenceRequest) {
	if r.Method == http.MethodGet && cachecontrol.NotModified(r, g.now()) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	doc, err := g.opts.Config.Config(r.Context())
	if err != nil {
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}

	group := background.New(g.logger, nil)
	resp, variation, err := g.inference(r.Context(), r, in, doc, group)
	if cerr := group.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}

	headers := w.Header()
	if doc.Version != "" {
		headers.Set(headerConfigVersion, doc.Version)
	}
	if r.Method == http.MethodPost {
		headers.Set("Cache-Control", "no-store")
	} else {
		synthetic := boolParam(r.URL.Query(), "syntheticUser", false)
		cachecontrol.SetHeaders(headers, variation.CacheControl, r, in.userID, synthetic, g.now())
	}
	recapi.WriteJSON(g.logger, w, http.StatusOK, r.URL.Path, resp)
}

// inference resolves one request into a response: variation selection,
// context and filter resolution, resolver dispatch, decoration,
// experiment attribution, post-processing and truncation.
func (g *Gateway) inference(ctx context.Context, r *http.Request, in *inferenceRequest, doc *config.Document, group *background.Group) (*recapi.Response, *config.Variation, error) {
	if g.opts.Registry != nil {
		g.opts.Registry.PrepareDatastores(ctx, doc, group)
	}

	rec := doc.EffectiveRecommender(in.namespace, in.recommender, in.action)
	if rec == nil {
		return nil, nil, recapi.NewConfigError(http.StatusNotFound, "RecommenderNotConfigured", "recommender not configured for this namespace and recommender path")
	}

	query := r.URL.Query()
	selected, err := g.opts.Selector.SelectVariation(ctx, rec, in.userID, query.Get("feature"), group)
	if err != nil {
		return nil, nil, err
	}
	variation := selected.Variation

	// Rerank returns the whole input list; numResults only applies to
	// recommend-items and related-items.
	numResults := 0
	if in.action != config.ActionRerankItems {
		if numResults, err = numResultsParam(query); err != nil {
			return nil, nil, err
		}
	}

	reqContext, err := g.resolveContext(variation, r)
	if err != nil {
		return nil, nil, err
	}

	// Over-fetch for the post-processor so it still has numResults items
	// left after dropping some.
	inferenceResults := numResults
	if pp := rec.ResponsePostProcessor; pp != nil && pp.LookAheadMultiplier > 0 {
		inferenceResults = numResults * pp.LookAheadMultiplier
		if pp.LookAheadMaximumValue > 0 && inferenceResults > pp.LookAheadMaximumValue {
			inferenceResults = pp.LookAheadMaximumValue
		}
	}

	req := &resolver.Request{
		Action:          in.action,
		Recommender:     rec,
		Variation:       variation,
		UserID:          in.userID,
		ItemID:          in.itemID,
		ItemIDs:         in.itemIDs,
		NumResults:      inferenceResults,
		Context:         reqContext,
		IncludeMetadata: boolParam(query, "decorateItems", true),
	}
	switch variation.Type {
	case config.VariationManagedRecommender, config.VariationManagedCampaign:
		if req.FilterArn, req.FilterValues, err = g.resolveFilters(variation, r, in.userID); err != nil {
			return nil, nil, err
		}
	case config.VariationHTTP:
		req.QueryParams = flattenQuery(query)
	}

	res, ok := g.opts.Resolvers[variation.Type]
	if !ok {
		return nil, nil, recapi.NewConfigError(http.StatusInternalServerError, "UnsupportedVariationType", "variation type %q is not supported", variation.Type)
	}
	resp, err := res.Resolve(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	// HTTP backends own their payload; everything else gets decorated
	// unless the caller opted out.
	if variation.Type != config.VariationHTTP && req.IncludeMetadata && g.opts.Registry != nil {
		d, err := g.opts.Registry.Instance(in.namespace, doc)
		if err != nil {
			return nil, nil, err
		}
		if d != nil {
			if err := d.Decorate(ctx, resp); err != nil {
				return nil, nil, err
			}
		}
	}

	if selected.Matched != nil {
		resp.MatchedExperiment = selected.Matched
	}

	if rec.ResponsePostProcessor != nil && g.opts.PostProcessor != nil {
		if resp, err = g.opts.PostProcessor.Process(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	if numResults > 0 && len(resp.ItemList) > numResults {
		resp.ItemList = resp.ItemList[:numResults]
	}
	return resp, variation, nil
}

// resolveContext combines the caller's context parameter with auto
// context derived from request headers. Explicit fields win.
func (g *Gateway) resolveContext(variation *config.Variation, r *http.Request) (map[string]string, error) {
	context, err := stringMapParam(r.URL.Query().Get("context"), "InvalidContextParameter", "context")
	if err != nil {
		return nil, err
	}
	resolved := autocontext.Resolve(variation.AutoContext, r.Header, g.now())
	if len(resolved) == 0 {
		return context, nil
	}
	if context == nil {
		context = make(map[string]string, len(resolved))
	}
	for field, res := range resolved {
		if _, ok := context[field]; !ok {
			context[field] = res.First()
		}
	}
	return context, nil
}

// resolveFilters picks the filter for a managed backend. A caller-supplied
// filter name is expanded into an arn; otherwise the first configured
// filter whose condition holds wins. Auto dynamic filter values fill in
// parameters the caller did not pass; string values are quoted for filter
// expression interpolation.
func (g *Gateway) resolveFilters(variation *config.Variation, r *http.Request, userID string) (string, map[string]string, error) {
	query := r.URL.Query()
	filterValues, err := stringMapParam(query.Get("filterValues"), "InvalidFilterParameter", "filterValues")
	if err != nil {
		return "", nil, err
	}

	var filterArn string
	switch {
	case query.Get("filter") != "":
		filterArn = fmt.Sprintf("arn:aws:personalize:%s:%s:filter/%s", g.opts.Region, g.opts.AccountID, query.Get("filter"))
	case len(variation.Filters) > 0:
		for _, f := range variation.Filters {
			if f.Condition == "" || (f.Condition == config.FilterConditionUserRequired && userID != "") {
				filterArn = f.Arn
				break
			}
		}
	default:
		// Filter values make no sense without a filter to bind them to.
		filterValues = nil
	}

	if filterArn == "" || variation.Filter == nil {
		return filterArn, filterValues, nil
	}
	resolved := autocontext.Resolve(variation.Filter.AutoDynamicFilterValues, r.Header, g.now())
	if len(resolved) > 0 && filterValues == nil {
		filterValues = make(map[string]string, len(resolved))
	}
	for param, res := range resolved {
		if _, ok := filterValues[param]; ok {
			continue
		}
		if res.Type == "string" {
			values := res.Strings()
			quoted := make([]string, 0, len(values))
			for _, v := range values {
				quoted = append(quoted, strconv.Quote(v))
			}
			filterValues[param] = strings.Join(quoted, ",")
		} else {
			filterValues[param] = res.First()
		}
	}
	return filterArn, filterValues, nil
}

func numResultsParam(query url.Values) (int, error) {
	raw := query.Get("numResults")
	if raw == "" {
		return defaultNumResults, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, recapi.NewValidationError("InvalidNumResultsParameter", "numResults parameter must be an integer")
	}
	return n, nil
}

func boolParam(query url.Values, name string, def bool) bool {
	raw := query.Get(name)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "yes", "true":
		return true
	}
	return false
}

// stringMapParam parses a JSON object query parameter into a flat string
// map. Non-string values are re-encoded as JSON.
func stringMapParam(raw, code, name string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, recapi.NewValidationError(code, "parameter %q is not a valid JSON object", name)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		encoded, _ := json.Marshal(v)
		out[k] = string(encoded)
	}
	return out, nil
}

// flattenQuery keeps the first value of each query parameter for URL
// template expansion.
func flattenQuery(query url.Values) map[string]string {
	if len(query) == 0 {
		return nil
	}
	out := make(map[string]string, len(query))
	for name, values := range query {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
