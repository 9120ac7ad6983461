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

// Package decorator enriches inference responses with item metadata.
//
// A namespace declares where its metadata lives through the
// inferenceItemMetadata config block: a remote key-value table queried
// per request, a local indexed file synced down from object storage, or
// the managed backend itself (in which case metadata arrives inline and
// nothing is done here). The Registry owns the per-namespace decorator
// instances and keeps local files fresh.
package decorator

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

// Decorator fills the metadata field of every item in a response for
// which the namespace's datastore has an entry. Items without an entry
// are left untouched.
type Decorator interface {
	Decorate(ctx context.Context, resp *recapi.Response) error
	Close() error
}

// Managed is the decorator for namespaces whose metadata is returned
// inline by the managed inference backend. It does nothing.
type Managed struct{}

func (Managed) Decorate(context.Context, *recapi.Response) error { return nil }

func (Managed) Close() error { return nil }

var (
	throttledLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personalization_metadata_throttled_lookups_total",
			Help: "Number of item metadata lookups rejected by the key-value store for exceeding its rate limits.",
		},
		[]string{"table"},
	)
	metadataSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personalization_metadata_syncs_total",
			Help: "Number of local item metadata file syncs by outcome.",
		},
		[]string{"namespace", "outcome"},
	)
)

// RegisterMetrics registers the package's metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	return errors.Join(
		reg.Register(throttledLookups),
		reg.Register(metadataSyncs),
	)
}

// indexByItemID maps each distinct item id to the positions at which it
// occurs, so a single lookup can decorate every occurrence. The returned
// id list preserves first-occurrence order.
func indexByItemID(items []*recapi.Item) (map[string][]int, []string) {
	lookup := make(map[string][]int, len(items))
	ids := make([]string, 0, len(items))
	for i, item := range items {
		if _, ok := lookup[item.ItemID]; !ok {
			ids = append(ids, item.ItemID)
		}
		lookup[item.ItemID] = append(lookup[item.ItemID], i)
	}
	return lookup, ids
}
