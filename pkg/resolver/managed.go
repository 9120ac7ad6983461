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
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime/types"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// MaxManagedNumResults is the managed backend's hard cap on requested
// results.
const MaxManagedNumResults = 500

type personalizeRuntimeAPI interface {
	GetRecommendations(ctx context.Context, params *personalizeruntime.GetRecommendationsInput, optFns ...func(*personalizeruntime.Options)) (*personalizeruntime.GetRecommendationsOutput, error)
	GetPersonalizedRanking(ctx context.Context, params *personalizeruntime.GetPersonalizedRankingInput, optFns ...func(*personalizeruntime.Options)) (*personalizeruntime.GetPersonalizedRankingOutput, error)
}

// Managed resolves against the managed recommendation service. The
// variation's arn selects either a recommender or a campaign.
type Managed struct {
	client personalizeRuntimeAPI
}

// NewManaged returns a resolver backed by the given runtime client.
func NewManaged(client personalizeRuntimeAPI) *Managed {
	return &Managed{client: client}
}

func (m *Managed) Resolve(ctx context.Context, req *Request) (*recapi.Response, error) {
	arn := req.Variation.Arn
	if arn == "" {
		return nil, recapi.NewConfigError(http.StatusNotFound, "RecommenderArnNotConfigured", "variation has no recommender or campaign arn configured")
	}

	if req.Action == config.ActionRerankItems {
		return m.rerank(ctx, req, arn)
	}

	input := &personalizeruntime.GetRecommendationsInput{
		NumResults: int32(min(req.NumResults, MaxManagedNumResults)),
	}
	// The sixth arn segment distinguishes recommenders from campaigns.
	if parts := strings.Split(arn, ":"); len(parts) > 5 && strings.HasPrefix(parts[5], "recommender/") {
		input.RecommenderArn = aws.String(arn)
	} else {
		input.CampaignArn = aws.String(arn)
	}
	switch req.Action {
	case config.ActionRelatedItems:
		input.ItemId = aws.String(req.ItemID)
		if req.UserID != "" {
			input.UserId = aws.String(req.UserID)
		}
	default:
		input.UserId = aws.String(req.UserID)
	}
	if req.FilterArn != "" {
		input.FilterArn = aws.String(req.FilterArn)
		if len(req.FilterValues) > 0 {
			input.FilterValues = req.FilterValues
		}
	}
	if len(req.Context) > 0 {
		input.Context = req.Context
	}
	if cols := metadataColumns(req); cols != nil {
		input.MetadataColumns = cols
	}

	out, err := m.client.GetRecommendations(ctx, input)
	if err != nil {
		return nil, managedError(err, arn)
	}
	return &recapi.Response{
		ItemList:         predictedItems(out.ItemList),
		RecommendationID: aws.ToString(out.RecommendationId),
	}, nil
}

// rerank always addresses a campaign; the ranking API has no recommender
// flavor.
func (m *Managed) rerank(ctx context.Context, req *Request, arn string) (*recapi.Response, error) {
	input := &personalizeruntime.GetPersonalizedRankingInput{
		CampaignArn: aws.String(arn),
		UserId:      aws.String(req.UserID),
		InputList:   req.ItemIDs,
	}
	if req.FilterArn != "" {
		input.FilterArn = aws.String(req.FilterArn)
		if len(req.FilterValues) > 0 {
			input.FilterValues = req.FilterValues
		}
	}
	if len(req.Context) > 0 {
		input.Context = req.Context
	}
	if cols := metadataColumns(req); cols != nil {
		input.MetadataColumns = cols
	}

	out, err := m.client.GetPersonalizedRanking(ctx, input)
	if err != nil {
		return nil, managedError(err, arn)
	}
	return &recapi.Response{
		PersonalizedRanking: predictedItems(out.PersonalizedRanking),
		RecommendationID:    aws.ToString(out.RecommendationId),
	}, nil
}

func metadataColumns(req *Request) map[string][]string {
	md := req.Variation.InferenceItemMetadata
	if !req.IncludeMetadata || md == nil || md.Type != config.MetadataManaged || len(md.ItemColumns) == 0 {
		return nil
	}
	return map[string][]string{"ITEMS": md.ItemColumns}
}

func managedError(err error, arn string) error {
	if recapi.IsThrottle(err) {
		throttledRequests.WithLabelValues(arn).Inc()
	}
	return recapi.FromAWS(err)
}

func predictedItems(items []types.PredictedItem) []*recapi.Item {
	out := make([]*recapi.Item, 0, len(items))
	for _, it := range items {
		item := &recapi.Item{
			ItemID: aws.ToString(it.ItemId),
			Score:  it.Score,
		}
		if len(it.Metadata) > 0 {
			md := make(map[string]any, len(it.Metadata))
			for k, v := range it.Metadata {
				md[k] = v
			}
			item.Metadata = md
		}
		out = append(out, item)
	}
	return out
}
