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

package decorator

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

const (
	// maxBatchSize is the largest number of keys sent in a single
	// BatchGetItem call.
	maxBatchSize = 50
	// maxBatchRetries bounds the retries for unprocessed keys, so a
	// batch is attempted at most maxBatchRetries+1 times.
	maxBatchRetries = 2
	// maxParallelBatches bounds the in-flight chunks when a response
	// holds more unique items than a single batch can carry.
	maxParallelBatches = 8

	attributesField = "attributes"
)

var errUnprocessedKeys = errors.New("batch returned unprocessed keys")

type dynamoAPI interface {
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

// KeyValueStore decorates responses from a remote key-value table. Each
// row keys on the item id and carries the metadata under a single
// attributes field.
type KeyValueStore struct {
	client dynamoAPI
	table  string
	pk     string
}

// NewKeyValueStore returns a decorator reading from the given table.
func NewKeyValueStore(client dynamoAPI, table, primaryKey string) *KeyValueStore {
	return &KeyValueStore{client: client, table: table, pk: primaryKey}
}

func (d *KeyValueStore) Decorate(ctx context.Context, resp *recapi.Response) error {
	items := resp.Items()
	if len(items) == 0 {
		return nil
	}
	lookup, ids := indexByItemID(items)

	var err error
	if len(ids) > maxBatchSize {
		err = d.decorateChunked(ctx, items, lookup, ids)
	} else {
		err = d.decorateBatch(ctx, items, lookup, ids)
	}
	if err != nil {
		if recapi.IsThrottle(err) {
			throttledLookups.WithLabelValues(d.table).Inc()
		}
		return recapi.FromAWS(err)
	}
	return nil
}

func (d *KeyValueStore) Close() error { return nil }

// decorateChunked partitions the unique ids into near-equal chunks no
// larger than a batch and looks them up in parallel. Chunks never share
// an id, so each goroutine writes to a disjoint set of items.
func (d *KeyValueStore) decorateChunked(ctx context.Context, items []*recapi.Item, lookup map[string][]int, ids []string) error {
	batches := (len(ids) + maxBatchSize - 1) / maxBatchSize
	chunkSize := (len(ids) + batches - 1) / batches

	var g errgroup.Group
	g.SetLimit(maxParallelBatches)
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		g.Go(func() error {
			return d.decorateBatch(ctx, items, lookup, chunk)
		})
	}
	return g.Wait()
}

func (d *KeyValueStore) decorateBatch(ctx context.Context, items []*recapi.Item, lookup map[string][]int, ids []string) error {
	keys := make([]map[string]types.AttributeValue, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, map[string]types.AttributeValue{
			d.pk: &types.AttributeValueMemberS{Value: id},
		})
	}

	var rows []map[string]types.AttributeValue
	op := func() error {
		out, err := d.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				d.table: {Keys: keys},
			},
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		rows = append(rows, out.Responses[d.table]...)
		if unprocessed, ok := out.UnprocessedKeys[d.table]; ok && len(unprocessed.Keys) > 0 {
			keys = unprocessed.Keys
			return errUnprocessedKeys
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 1500 * time.Millisecond
	bo.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxBatchRetries), ctx))
	if err != nil && !errors.Is(err, errUnprocessedKeys) {
		return err
	}
	// Keys still unprocessed after the final attempt are omitted.
	return d.apply(items, lookup, rows)
}

func (d *KeyValueStore) apply(items []*recapi.Item, lookup map[string][]int, rows []map[string]types.AttributeValue) error {
	for _, row := range rows {
		id, ok := row[d.pk].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		attrs, ok := row[attributesField]
		if !ok {
			continue
		}
		var metadata map[string]any
		if err := attributevalue.Unmarshal(attrs, &metadata); err != nil {
			return err
		}
		for _, idx := range lookup[id.Value] {
			items[idx].Metadata = metadata
		}
	}
	return nil
}
