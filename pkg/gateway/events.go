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
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/events"
)

// handleEvents ingests an event batch: fan-out to the namespace's event
// targets first, then experiment conversion recording. A successful
// ingest returns an empty 200.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := g.opts.Config.Config(ctx)
	if err != nil {
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}

	namespace := chi.URLParam(r, "namespace")
	ns := doc.EffectiveNamespace(namespace)
	if ns == nil {
		err := recapi.NewConfigError(http.StatusNotFound, "NamespaceNotFound", "namespace configuration not found for this namespace path")
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}
	ingest, err := events.ParseIngest(body)
	if err != nil {
		recapi.WriteError(g.logger, w, r.URL.Path, err)
		return
	}

	if g.opts.FanOut != nil {
		req := &events.Request{
			Path:    r.URL.Path,
			Headers: r.Header,
			Query:   r.URL.Query(),
			Body:    ingest,
		}
		if err := g.opts.FanOut.Process(ctx, ns, req); err != nil {
			recapi.WriteError(g.logger, w, r.URL.Path, err)
			return
		}
	}
	if g.opts.Conversions != nil {
		if err := g.opts.Conversions.ProcessConversions(ctx, doc, namespace, ingest.UserID, ingest.ExperimentConversions); err != nil {
			recapi.WriteError(g.logger, w, r.URL.Path, err)
			return
		}
	}

	headers := w.Header()
	headers.Set("Cache-Control", "no-store")
	if doc.Version != "" {
		headers.Set(headerConfigVersion, doc.Version)
	}
	headers.Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}
