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

package recapi

import "encoding/json"

// MatchedExperiment identifies the experiment a response was served under.
type MatchedExperiment struct {
	Type    string          `json:"type"`
	Feature string          `json:"feature"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Item is a single entry of an inference response. Backends may attach
// fields beyond the ones modeled here (promotion names, reasons, custom
// scores); those round-trip untouched through extra.
type Item struct {
	ItemID   string
	Score    *float64
	Metadata map[string]any

	extra map[string]json.RawMessage
}

func (it *Item) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["itemId"]; ok {
		if err := json.Unmarshal(v, &it.ItemID); err != nil {
			return err
		}
		delete(raw, "itemId")
	}
	if v, ok := raw["score"]; ok {
		if err := json.Unmarshal(v, &it.Score); err != nil {
			return err
		}
		delete(raw, "score")
	}
	if v, ok := raw["metadata"]; ok {
		if err := json.Unmarshal(v, &it.Metadata); err != nil {
			return err
		}
		delete(raw, "metadata")
	}
	it.extra = raw
	return nil
}

func (it *Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(it.extra)+3)
	for k, v := range it.extra {
		out[k] = v
	}
	out["itemId"] = it.ItemID
	if it.Score != nil {
		out["score"] = *it.Score
	}
	if it.Metadata != nil {
		out["metadata"] = it.Metadata
	}
	return json.Marshal(out)
}

// Response is the inference response document. The modeled fields are the
// ones the pipeline reads or writes (decoration, truncation, experiment
// attachment); anything else a backend returns passes through unmodified.
type Response struct {
	ItemList            []*Item
	PersonalizedRanking []*Item
	RecommendationID    string
	MatchedExperiment   *MatchedExperiment

	extra map[string]json.RawMessage
}

// Items returns the entries the response carries, whichever of the two list
// fields the backend populated.
func (r *Response) Items() []*Item {
	if r.ItemList != nil {
		return r.ItemList
	}
	return r.PersonalizedRanking
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["itemList"]; ok {
		if err := json.Unmarshal(v, &r.ItemList); err != nil {
			return err
		}
		delete(raw, "itemList")
	}
	if v, ok := raw["personalizedRanking"]; ok {
		if err := json.Unmarshal(v, &r.PersonalizedRanking); err != nil {
			return err
		}
		delete(raw, "personalizedRanking")
	}
	if v, ok := raw["recommendationId"]; ok {
		if err := json.Unmarshal(v, &r.RecommendationID); err != nil {
			return err
		}
		delete(raw, "recommendationId")
	}
	if v, ok := raw["matchedExperiment"]; ok {
		if err := json.Unmarshal(v, &r.MatchedExperiment); err != nil {
			return err
		}
		delete(raw, "matchedExperiment")
	}
	r.extra = raw
	return nil
}

func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.extra)+4)
	for k, v := range r.extra {
		out[k] = v
	}
	if r.ItemList != nil {
		out["itemList"] = r.ItemList
	}
	if r.PersonalizedRanking != nil {
		out["personalizedRanking"] = r.PersonalizedRanking
	}
	if r.RecommendationID != "" {
		out["recommendationId"] = r.RecommendationID
	}
	if r.MatchedExperiment != nil {
		out["matchedExperiment"] = r.MatchedExperiment
	}
	return json.Marshal(out)
}
