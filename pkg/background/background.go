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

// Package background runs request-scoped side work (exposure events,
// datastore syncs) on a bounded pool that is always joined before the
// response is written.
package background

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const defaultMaxWorkers = 4

var (
	tasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "personalization_background_tasks_total",
		Help: "Background tasks scheduled by request handlers.",
	})
	taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "personalization_background_task_duration_seconds",
		Help:    "Duration of individual background tasks.",
		Buckets: prometheus.DefBuckets,
	})
)

// RegisterMetrics registers the package metrics with reg. Call once per
// process.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(tasksStarted, taskDuration)
}

// Options configures a task group.
type Options struct {
	// MaxWorkers bounds how many tasks run concurrently. Defaults to 4.
	MaxWorkers int
}

// Group collects tasks scheduled while serving one request. It is created
// when the handler starts and closed right before the response is written;
// Close joins every task so no I/O against shared resources outlives the
// request.
type Group struct {
	logger  log.Logger
	eg      *errgroup.Group
	started time.Time
	count   atomic.Int64
}

// New returns an empty group. A nil opts selects defaults.
func New(logger log.Logger, opts *Options) *Group {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts == nil {
		opts = &Options{}
	}
	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	eg := &errgroup.Group{}
	eg.SetLimit(maxWorkers)
	return &Group{
		logger:  logger,
		eg:      eg,
		started: time.Now(),
	}
}

// Go schedules task under the given name. The task runs detached from the
// request's cancellation: an aborted request must still join, not orphan,
// in-flight writes.
func (g *Group) Go(ctx context.Context, name string, task func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	g.count.Add(1)
	tasksStarted.Inc()
	g.eg.Go(func() error {
		start := time.Now()
		err := task(ctx)
		taskDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			_ = level.Warn(g.logger).Log("msg", "background task failed", "task", name, "err", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		_ = level.Debug(g.logger).Log("msg", "background task completed", "task", name, "duration", time.Since(start))
		return nil
	})
}

// Close joins all scheduled tasks and returns the first failure.
func (g *Group) Close() error {
	err := g.eg.Wait()
	if n := g.count.Load(); n > 0 {
		_ = level.Debug(g.logger).Log("msg", "background tasks joined", "tasks", n, "elapsed", time.Since(g.started))
	}
	return err
}
