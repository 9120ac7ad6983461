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

// Package events fans ingested interaction events out to a namespace's
// configured targets: the managed event tracker, data streams and
// delivery streams.
package events

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

// Event is one interaction in an ingestion payload. Its shape follows
// the managed tracker's event contract; properties carry a JSON-encoded
// object as a string.
type Event struct {
	EventID          string   `json:"eventId,omitempty"`
	EventType        string   `json:"eventType" validate:"required"`
	EventValue       *float64 `json:"eventValue,omitempty"`
	ItemID           string   `json:"itemId,omitempty"`
	Properties       string   `json:"properties,omitempty"`
	RecommendationID string   `json:"recommendationId,omitempty"`
	Impression       []string `json:"impression,omitempty"`
	SentAt           *int64   `json:"sentAt,omitempty"`
}

// IngestRequest is the body of a POST /events call. The eventList may be
// empty when the caller only reports experiment conversions, which are
// processed by the experiments package rather than fanned out.
type IngestRequest struct {
	UserID                string          `json:"userId,omitempty"`
	SessionID             string          `json:"sessionId" validate:"required"`
	EventList             []*Event        `json:"eventList,omitempty" validate:"omitempty,dive,required"`
	ExperimentConversions json.RawMessage `json:"experimentConversions,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseIngest parses and validates an ingestion payload.
func ParseIngest(body []byte) (*IngestRequest, error) {
	req := &IngestRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, recapi.NewValidationError("InvalidJSONRequestPayload", "request payload is not valid JSON: %s", err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, recapi.NewValidationError("InvalidRequestPayload", "request payload failed validation: %s", err)
	}
	return req, nil
}

// clone returns a copy whose event list can be modified without
// affecting the original. Raw conversion bytes are shared, they are
// never mutated.
func (r *IngestRequest) clone() *IngestRequest {
	out := *r
	out.EventList = make([]*Event, 0, len(r.EventList))
	for _, ev := range r.EventList {
		copied := *ev
		out.EventList = append(out.EventList, &copied)
	}
	return &out
}
