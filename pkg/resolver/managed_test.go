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
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

const (
	recommenderArn = "arn:aws:personalize:us-east-1:123456789012:recommender/popular"
	campaignArn    = "arn:aws:personalize:us-east-1:123456789012:campaign/ranking"
)

type fakePersonalize struct {
	recsIn  *personalizeruntime.GetRecommendationsInput
	recsOut *personalizeruntime.GetRecommendationsOutput
	recsErr error

	rankIn  *personalizeruntime.GetPersonalizedRankingInput
	rankOut *personalizeruntime.GetPersonalizedRankingOutput
	rankErr error
}

func (f *fakePersonalize) GetRecommendations(_ context.Context, params *personalizeruntime.GetRecommendationsInput, _ ...func(*personalizeruntime.Options)) (*personalizeruntime.GetRecommendationsOutput, error) {
	f.recsIn = params
	if f.recsOut == nil {
		return &personalizeruntime.GetRecommendationsOutput{}, f.recsErr
	}
	return f.recsOut, f.recsErr
}

func (f *fakePersonalize) GetPersonalizedRanking(_ context.Context, params *personalizeruntime.GetPersonalizedRankingInput, _ ...func(*personalizeruntime.Options)) (*personalizeruntime.GetPersonalizedRankingOutput, error) {
	f.rankIn = params
	if f.rankOut == nil {
		return &personalizeruntime.GetPersonalizedRankingOutput{}, f.rankErr
	}
	return f.rankOut, f.rankErr
}

func TestManagedRecommend(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{
		recsOut: &personalizeruntime.GetRecommendationsOutput{
			ItemList: []types.PredictedItem{
				{ItemId: aws.String("i-1"), Score: aws.Float64(0.9), Metadata: map[string]string{"title": "X"}},
				{ItemId: aws.String("i-2"), Score: aws.Float64(0.5)},
			},
			RecommendationId: aws.String("rid-1"),
		},
	}
	m := NewManaged(fake)

	req := testRequest(t, config.ActionRecommendItems, &config.Variation{Type: config.VariationManagedRecommender, Arn: recommenderArn})
	resp, err := m.Resolve(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, recommenderArn, aws.ToString(fake.recsIn.RecommenderArn))
	require.Nil(t, fake.recsIn.CampaignArn)
	require.Equal(t, "u1", aws.ToString(fake.recsIn.UserId))
	require.Equal(t, int32(5), fake.recsIn.NumResults)

	require.Len(t, resp.ItemList, 2)
	require.Equal(t, "i-1", resp.ItemList[0].ItemID)
	require.InDelta(t, 0.9, *resp.ItemList[0].Score, 1e-9)
	require.Equal(t, map[string]any{"title": "X"}, resp.ItemList[0].Metadata)
	require.Nil(t, resp.ItemList[1].Metadata)
	require.Equal(t, "rid-1", resp.RecommendationID)
}

func TestManagedCampaignArn(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{}
	m := NewManaged(fake)

	req := testRequest(t, config.ActionRecommendItems, &config.Variation{Type: config.VariationManagedCampaign, Arn: campaignArn})
	_, err := m.Resolve(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, campaignArn, aws.ToString(fake.recsIn.CampaignArn))
	require.Nil(t, fake.recsIn.RecommenderArn)
}

func TestManagedClampsNumResults(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{}
	m := NewManaged(fake)

	req := testRequest(t, config.ActionRecommendItems, &config.Variation{Arn: campaignArn})
	req.NumResults = 20000
	_, err := m.Resolve(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, int32(MaxManagedNumResults), fake.recsIn.NumResults)
}

func TestManagedRelatedItems(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{}
	m := NewManaged(fake)

	req := testRequest(t, config.ActionRelatedItems, &config.Variation{Arn: recommenderArn})
	_, err := m.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "i-7", aws.ToString(fake.recsIn.ItemId))
	require.Equal(t, "u1", aws.ToString(fake.recsIn.UserId))

	// The user is optional for related items.
	req.UserID = ""
	_, err = m.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, fake.recsIn.UserId)
}

func TestManagedFiltersAndContext(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{}
	m := NewManaged(fake)

	req := testRequest(t, config.ActionRecommendItems, &config.Variation{Arn: campaignArn})
	req.FilterArn = "arn:aws:personalize:us-east-1:123456789012:filter/genre"
	req.FilterValues = map[string]string{"genre": `"Drama"`}
	req.Context = map[string]string{"deviceType": "Phone"}
	_, err := m.Resolve(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, req.FilterArn, aws.ToString(fake.recsIn.FilterArn))
	require.Equal(t, req.FilterValues, fake.recsIn.FilterValues)
	require.Equal(t, req.Context, fake.recsIn.Context)
}

func TestManagedMetadataColumns(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{}
	m := NewManaged(fake)

	variation := &config.Variation{Arn: campaignArn}
	variation.InferenceItemMetadata = &config.ItemMetadata{
		Type:        config.MetadataManaged,
		ItemColumns: []string{"title", "genre"},
	}

	req := testRequest(t, config.ActionRecommendItems, variation)
	req.IncludeMetadata = true
	_, err := m.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"ITEMS": {"title", "genre"}}, fake.recsIn.MetadataColumns)

	// Decoration disabled: no columns requested.
	req.IncludeMetadata = false
	_, err = m.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, fake.recsIn.MetadataColumns)

	// Other store types decorate after the fact, not inline.
	variation.InferenceItemMetadata.Type = config.MetadataLocalFile
	req.IncludeMetadata = true
	_, err = m.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, fake.recsIn.MetadataColumns)
}

func TestManagedRerank(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{
		rankOut: &personalizeruntime.GetPersonalizedRankingOutput{
			PersonalizedRanking: []types.PredictedItem{
				{ItemId: aws.String("i-2")},
				{ItemId: aws.String("i-1")},
				{ItemId: aws.String("i-3")},
			},
			RecommendationId: aws.String("rid-2"),
		},
	}
	m := NewManaged(fake)

	// Rerank addresses campaigns even when the arn names a recommender.
	req := testRequest(t, config.ActionRerankItems, &config.Variation{Arn: recommenderArn})
	resp, err := m.Resolve(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, recommenderArn, aws.ToString(fake.rankIn.CampaignArn))
	require.Equal(t, []string{"i-1", "i-2", "i-3"}, fake.rankIn.InputList)
	require.Equal(t, "u1", aws.ToString(fake.rankIn.UserId))

	require.Nil(t, resp.ItemList)
	require.Len(t, resp.PersonalizedRanking, 3)
	require.Equal(t, "i-2", resp.PersonalizedRanking[0].ItemID)
	require.Equal(t, "rid-2", resp.RecommendationID)
}

func TestManagedNoArn(t *testing.T) {
	t.Parallel()

	m := NewManaged(&fakePersonalize{})

	_, err := m.Resolve(context.Background(), testRequest(t, config.ActionRecommendItems, &config.Variation{}))

	var apiErr *recapi.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "RecommenderArnNotConfigured", apiErr.Code)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestManagedThrottle(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{
		recsErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
	}
	m := NewManaged(fake)

	_, err := m.Resolve(context.Background(), testRequest(t, config.ActionRecommendItems, &config.Variation{Arn: campaignArn}))

	var apiErr *recapi.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	require.Equal(t, "ThrottlingException", apiErr.Code)
}

func TestManagedDownstreamError(t *testing.T) {
	t.Parallel()

	fake := &fakePersonalize{
		recsErr: &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no campaign"},
	}
	m := NewManaged(fake)

	_, err := m.Resolve(context.Background(), testRequest(t, config.ActionRecommendItems, &config.Variation{Arn: campaignArn}))

	var apiErr *recapi.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Equal(t, "ResourceNotFoundException", apiErr.Code)
}
