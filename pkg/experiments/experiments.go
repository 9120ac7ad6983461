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

// Package experiments selects the variation serving a request. Requests
// outside an experiment get the first configured variation; active
// experiments delegate the assignment to an evaluator and tag the
// response with the matched experiment.
package experiments

import (
	"context"
	"net/http"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/background"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// EvaluationRequest carries one variation assignment decision.
type EvaluationRequest struct {
	UserID     string
	Feature    string
	Experiment *config.Experiment
	Variations *config.OrderedMap[*config.Variation]
	// Background receives exposure recording tasks so they do not block
	// the response.
	Background *background.Group
}

// Assignment is an evaluator's decision: the chosen variation and, when
// the user landed in an experiment, the matched experiment metadata.
type Assignment struct {
	Name      string
	Variation *config.Variation
	Matched   *recapi.MatchedExperiment
}

// Evaluator assigns a user to one of an experiment's variations.
type Evaluator interface {
	Evaluate(ctx context.Context, req *EvaluationRequest) (*Assignment, error)
}

// Selected is the variation chosen for a request, with recommender-level
// inheritance applied.
type Selected struct {
	Name      string
	Variation *config.Variation
	Matched   *recapi.MatchedExperiment
}

// Selector picks the variation serving a request, delegating to the
// registered evaluator when an experiment is active.
type Selector struct {
	evaluators map[string]Evaluator
}

// NewSelector returns a selector using the given evaluators, keyed by
// experiment method.
func NewSelector(evaluators map[string]Evaluator) *Selector {
	return &Selector{evaluators: evaluators}
}

// SelectVariation decides which variation serves the request. Without
// experiments, with a single variation or without a user the first
// configured variation wins. An explicit feature selects that experiment;
// otherwise the first configured experiment runs.
func (s *Selector) SelectVariation(ctx context.Context, rec *config.EffectiveRecommender, userID, feature string, group *background.Group) (*Selected, error) {
	if rec.Variations.Len() == 0 {
		return nil, recapi.NewConfigError(http.StatusNotFound, "NoVariationsConfigured", "no variations configured for recommender %q", rec.Path)
	}
	if rec.Experiments.Len() == 0 || rec.Variations.Len() == 1 || userID == "" {
		name, v := rec.Variations.At(0)
		return &Selected{Name: name, Variation: rec.EffectiveVariation(v)}, nil
	}

	var exp *config.Experiment
	expFeature := feature
	if feature != "" {
		e, ok := rec.Experiments.Get(feature)
		if !ok {
			return nil, recapi.NewValidationError("InvalidExperimentFeature", "experiment feature %q is not configured", feature)
		}
		exp = e
	} else {
		expFeature, exp = rec.Experiments.At(0)
	}

	evaluator, ok := s.evaluators[exp.Method]
	if !ok {
		return nil, recapi.NewConfigError(http.StatusInternalServerError, "UnsupportedEvaluationMethod", "unsupported experiment evaluation method %q", exp.Method)
	}
	assignment, err := evaluator.Evaluate(ctx, &EvaluationRequest{
		UserID:     userID,
		Feature:    expFeature,
		Experiment: exp,
		Variations: rec.Variations,
		Background: group,
	})
	if err != nil {
		return nil, err
	}
	return &Selected{
		Name:      assignment.Name,
		Variation: rec.EffectiveVariation(assignment.Variation),
		Matched:   assignment.Matched,
	}, nil
}
