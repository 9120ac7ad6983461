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

package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/evidently"
	"github.com/aws/aws-sdk-go-v2/service/evidently/types"
	"github.com/aws/smithy-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// Sentinel metric values distinguishing exposures from conversions in the
// evaluator's event stream.
const (
	exposureValue   = 0.0000001
	conversionValue = 1.0000001
)

const reasonExperimentRuleMatch = "EXPERIMENT_RULE_MATCH"

type evidentlyAPI interface {
	EvaluateFeature(ctx context.Context, params *evidently.EvaluateFeatureInput, optFns ...func(*evidently.Options)) (*evidently.EvaluateFeatureOutput, error)
	PutProjectEvents(ctx context.Context, params *evidently.PutProjectEventsInput, optFns ...func(*evidently.Options)) (*evidently.PutProjectEventsOutput, error)
}

// Evidently evaluates experiments through the managed evaluator service
// and reports exposure and conversion events back to it.
type Evidently struct {
	logger log.Logger
	client evidentlyAPI
}

// NewEvidently returns an evaluator backed by the given client.
func NewEvidently(logger log.Logger, client evidentlyAPI) *Evidently {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Evidently{logger: logger, client: client}
}

// Evaluate asks the evaluator which variation the user is assigned to.
// When the feature does not exist in the project, the first variation is
// served without experiment metadata. An assignment caused by an active
// experiment carries matched-experiment metadata and schedules one
// exposure event per tracked metric on the background group.
func (e *Evidently) Evaluate(ctx context.Context, req *EvaluationRequest) (*Assignment, error) {
	out, err := e.client.EvaluateFeature(ctx, &evidently.EvaluateFeatureInput{
		EntityId: aws.String(req.UserID),
		Feature:  aws.String(req.Feature),
		Project:  aws.String(req.Experiment.Project),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
			_ = level.Warn(e.logger).Log("msg", "experiment feature not found, serving first variation", "feature", req.Feature, "project", req.Experiment.Project)
			name, v := req.Variations.At(0)
			return &Assignment{Name: name, Variation: v}, nil
		}
		return nil, recapi.FromAWS(err)
	}

	name, variation, err := matchTarget(out.Value, req.Variations)
	if err != nil {
		return nil, err
	}
	assignment := &Assignment{Name: name, Variation: variation}

	if aws.ToString(out.Reason) == reasonExperimentRuleMatch {
		matched := &recapi.MatchedExperiment{
			Type:    config.ExperimentMethodManagedEvaluator,
			Feature: req.Feature,
		}
		if details := aws.ToString(out.Details); details != "" {
			matched.Details = json.RawMessage(details)
		}
		assignment.Matched = matched
		e.scheduleExposures(ctx, req)
	}
	return assignment, nil
}

// matchTarget maps the evaluator's result onto a configured variation: a
// string result by name, falling back to a positional index when the name
// is numeric; a long result positionally.
func matchTarget(value types.VariableValue, variations *config.OrderedMap[*config.Variation]) (string, *config.Variation, error) {
	switch v := value.(type) {
	case *types.VariableValueMemberStringValue:
		if variation, ok := variations.Get(v.Value); ok {
			return v.Value, variation, nil
		}
		if idx, err := strconv.Atoi(v.Value); err == nil {
			return variationAt(variations, idx)
		}
		return "", nil, recapi.NewConfigError(http.StatusInternalServerError, "NoMatchedTarget", "evaluated variation %q is not configured", v.Value)
	case *types.VariableValueMemberLongValue:
		return variationAt(variations, int(v.Value))
	}
	return "", nil, recapi.NewConfigError(http.StatusInternalServerError, "UnsupportedEvaluationType", "unsupported evaluation result type %T", value)
}

func variationAt(variations *config.OrderedMap[*config.Variation], idx int) (string, *config.Variation, error) {
	if idx < 0 || idx >= variations.Len() {
		return "", nil, recapi.NewConfigError(http.StatusInternalServerError, "NoMatchedTarget", "evaluated variation index %d is out of range", idx)
	}
	name, v := variations.At(idx)
	return name, v, nil
}

func (e *Evidently) scheduleExposures(ctx context.Context, req *EvaluationRequest) {
	if len(req.Experiment.Metrics) == 0 {
		_ = level.Warn(e.logger).Log("msg", "experiment has no metrics configured, exposure not recorded", "feature", req.Feature)
		return
	}
	names := make([]string, 0, len(req.Experiment.Metrics))
	for name := range req.Experiment.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	events := make([]types.Event, 0, len(names))
	for _, name := range names {
		metric := req.Experiment.Metrics[name]
		if !metric.TracksExposures() {
			continue
		}
		event, err := metricEvent(metric, req.UserID, exposureValue, now)
		if err != nil {
			_ = level.Warn(e.logger).Log("msg", "dropping exposure event", "metric", name, "err", err)
			continue
		}
		events = append(events, event)
	}
	if len(events) == 0 || req.Background == nil {
		return
	}
	project := req.Experiment.Project
	req.Background.Go(ctx, "experiment-exposure", func(ctx context.Context) error {
		return e.record(ctx, project, events)
	})
}

func (e *Evidently) record(ctx context.Context, project string, events []types.Event) error {
	_, err := e.client.PutProjectEvents(ctx, &evidently.PutProjectEventsInput{
		Project: aws.String(project),
		Events:  events,
	})
	if err != nil {
		return recapi.FromAWS(err)
	}
	return nil
}

// metricEvent builds one custom evaluator event, writing the user and
// value into the metric's configured JSON paths.
func metricEvent(metric *config.ExperimentMetric, userID string, value float64, now time.Time) (types.Event, error) {
	data := map[string]any{}
	setPath(data, metric.EntityIDKey, userID)
	setPath(data, metric.ValueKey, value)
	payload, err := json.Marshal(data)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		Data:      aws.String(string(payload)),
		Timestamp: aws.Time(now),
		Type:      types.EventTypeCustom,
	}, nil
}

// setPath writes value at a dot-separated path, creating intermediate
// objects as needed.
func setPath(doc map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		next, ok := doc[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[key] = next
		}
		doc = next
	}
	doc[keys[len(keys)-1]] = value
}

// Conversion is one reported experiment conversion from an event ingest
// request.
type Conversion struct {
	Recommender string   `json:"recommender,omitempty"`
	Feature     string   `json:"feature,omitempty"`
	Metric      string   `json:"metric,omitempty"`
	Value       *float64 `json:"value,omitempty"`
}

// ProcessConversions validates reported conversions against the
// configuration and posts one conversion event per entry, grouped by
// project. Raw is the untouched JSON of the request's
// experimentConversions field; empty input is a no-op.
func (e *Evidently) ProcessConversions(ctx context.Context, doc *config.Document, namespace, userID string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var conversions []*Conversion
	if err := json.Unmarshal(raw, &conversions); err != nil {
		return recapi.NewValidationError("InvalidExperimentConversions", "experiment conversions must be a list")
	}
	if len(conversions) == 0 {
		return nil
	}
	if userID == "" {
		return recapi.NewValidationError("UserIdRequired", "a userId is required to record experiment conversions")
	}

	now := time.Now()
	byProject := map[string][]types.Event{}
	var projects []string
	for _, c := range conversions {
		if c == nil || c.Recommender == "" {
			return recapi.NewValidationError("InvalidExperimentConversions", "experiment conversion is missing a recommender")
		}
		rec := doc.EffectiveRecommender(namespace, c.Recommender, "")
		if rec == nil {
			return recapi.NewValidationError("InvalidRecommender", "recommender %q is not configured", c.Recommender)
		}
		if rec.Experiments.Len() == 0 {
			return recapi.NewConfigError(http.StatusInternalServerError, "ExperimentsNotFound", "recommender %q has no experiments configured", c.Recommender)
		}
		var exp *config.Experiment
		switch {
		case c.Feature != "":
			found, ok := rec.Experiments.Get(c.Feature)
			if !ok {
				return recapi.NewValidationError("InvalidExperimentFeature", "experiment feature %q is not configured", c.Feature)
			}
			exp = found
		case rec.Experiments.Len() == 1:
			_, exp = rec.Experiments.At(0)
		default:
			return recapi.NewValidationError("InvalidExperimentFeature", "a feature is required when multiple experiments are configured")
		}

		switch exp.Method {
		case config.ExperimentMethodManagedEvaluator:
			if exp.Project == "" {
				return recapi.NewConfigError(http.StatusInternalServerError, "InvalidExperimentProject", "experiment for recommender %q has no project configured", c.Recommender)
			}
			metric := exp.Metric(c.Metric)
			if metric == nil {
				if c.Metric != "" {
					return recapi.NewValidationError("InvalidExperimentMetric", "experiment metric %q is not configured", c.Metric)
				}
				return recapi.NewValidationError("InvalidExperimentMetric", "a metric must be specified for the experiment")
			}
			value := conversionValue
			if c.Value != nil {
				value = *c.Value
			}
			event, err := metricEvent(metric, userID, value, now)
			if err != nil {
				return err
			}
			if _, ok := byProject[exp.Project]; !ok {
				projects = append(projects, exp.Project)
			}
			byProject[exp.Project] = append(byProject[exp.Project], event)
		default:
			return recapi.NewConfigError(http.StatusInternalServerError, "UnsupportedEvaluationMethod", "unsupported experiment evaluation method %q", exp.Method)
		}
	}

	for _, project := range projects {
		if err := e.record(ctx, project, byProject[project]); err != nil {
			return err
		}
	}
	return nil
}
