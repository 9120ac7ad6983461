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

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	firehosetypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/personalizeevents"
	personalizeeventstypes "github.com/aws/aws-sdk-go-v2/service/personalizeevents/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/autocontext"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// maxParallelTargets bounds the in-flight deliveries when a namespace
// configures more than one event target.
const maxParallelTargets = 4

var trackerThrottles = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "personalization_event_tracker_throttled_requests_total",
		Help: "Number of event batches rejected by the managed tracker for exceeding its rate limits.",
	},
	[]string{"tracking_id"},
)

// RegisterMetrics registers the package's metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(trackerThrottles)
}

type personalizeEventsAPI interface {
	PutEvents(ctx context.Context, params *personalizeevents.PutEventsInput, optFns ...func(*personalizeevents.Options)) (*personalizeevents.PutEventsOutput, error)
}

type kinesisAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

type firehoseAPI interface {
	PutRecord(ctx context.Context, params *firehose.PutRecordInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordOutput, error)
}

// Options configure a FanOut.
type Options struct {
	Personalize personalizeEventsAPI
	Kinesis     kinesisAPI
	Firehose    firehoseAPI
}

// Request carries one ingestion call through fan-out. Headers and query
// parameters travel with it so stream targets can forward the full
// request context and auto-context rules can inspect the headers.
type Request struct {
	Path    string
	Headers http.Header
	Query   url.Values
	Body    *IngestRequest
}

// FanOut delivers ingested events to every target configured on a
// namespace.
type FanOut struct {
	logger      log.Logger
	personalize personalizeEventsAPI
	kinesis     kinesisAPI
	firehose    firehoseAPI
	now         func() time.Time
}

// New returns a FanOut sending through the given clients.
func New(logger log.Logger, opts *Options) *FanOut {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts == nil {
		opts = &Options{}
	}
	return &FanOut{
		logger:      logger,
		personalize: opts.Personalize,
		kinesis:     opts.Kinesis,
		firehose:    opts.Firehose,
		now:         time.Now,
	}
}

// Process sends the request to every event target of the namespace. A
// single target is called inline; multiple targets run concurrently and
// the first failure fails the whole request.
func (f *FanOut) Process(ctx context.Context, ns *config.EffectiveNamespace, req *Request) error {
	if len(ns.EventTargets) == 0 {
		return recapi.NewConfigError(http.StatusNotFound, "NamespaceEventTargetsNotFound", "no event targets are defined for this namespace path")
	}

	// Stamp sentAt up front so every target sees the same timestamps.
	now := f.now().Unix()
	for _, ev := range req.Body.EventList {
		if ev.SentAt == nil {
			ev.SentAt = aws.Int64(now)
		}
	}

	var sends []func(context.Context) error
	for _, target := range ns.EventTargets {
		switch target.Type {
		case config.EventTargetManagedTracker:
			if len(req.Body.EventList) == 0 {
				_ = level.Warn(f.logger).Log("msg", "request has no events, skipping tracker target", "namespace", ns.Name, "tracking_id", target.TrackingID)
				continue
			}
			trackingID := target.TrackingID
			sends = append(sends, func(ctx context.Context) error {
				return f.putTracker(ctx, ns, req, trackingID)
			})
		case config.EventTargetStream:
			streamName := target.StreamName
			sends = append(sends, func(ctx context.Context) error {
				return f.putStream(ctx, ns, req, streamName)
			})
		case config.EventTargetDeliveryStream:
			streamName := target.StreamName
			sends = append(sends, func(ctx context.Context) error {
				return f.putDeliveryStream(ctx, ns, req, streamName)
			})
		default:
			return recapi.NewConfigError(http.StatusInternalServerError, "UnsupportedEventTargetType", "event target type %q is not supported", target.Type)
		}
	}

	if len(sends) == 1 {
		return sends[0](ctx)
	}
	var g errgroup.Group
	g.SetLimit(maxParallelTargets)
	for _, send := range sends {
		send := send
		g.Go(func() error { return send(ctx) })
	}
	return g.Wait()
}

// putTracker sends the event list to the managed ingestion API. The
// solution-private experimentConversions key never reaches the tracker,
// the typed call only carries tracker fields.
func (f *FanOut) putTracker(ctx context.Context, ns *config.EffectiveNamespace, req *Request, trackingID string) error {
	resolved := autocontext.Resolve(ns.AutoContext, req.Headers, f.now())

	eventList := make([]personalizeeventstypes.Event, 0, len(req.Body.EventList))
	for _, ev := range req.Body.EventList {
		properties, err := mergeProperties(ev.Properties, resolved)
		if err != nil {
			return err
		}
		event := personalizeeventstypes.Event{
			EventType: aws.String(ev.EventType),
			SentAt:    aws.Time(time.Unix(aws.ToInt64(ev.SentAt), 0)),
		}
		if ev.EventID != "" {
			event.EventId = aws.String(ev.EventID)
		}
		if ev.ItemID != "" {
			event.ItemId = aws.String(ev.ItemID)
		}
		if ev.EventValue != nil {
			event.EventValue = aws.Float32(float32(*ev.EventValue))
		}
		if ev.RecommendationID != "" {
			event.RecommendationId = aws.String(ev.RecommendationID)
		}
		if len(ev.Impression) > 0 {
			event.Impression = ev.Impression
		}
		if properties != "" {
			event.Properties = aws.String(properties)
		}
		eventList = append(eventList, event)
	}

	in := &personalizeevents.PutEventsInput{
		TrackingId: aws.String(trackingID),
		SessionId:  aws.String(req.Body.SessionID),
		EventList:  eventList,
	}
	if req.Body.UserID != "" {
		in.UserId = aws.String(req.Body.UserID)
	}

	if _, err := f.personalize.PutEvents(ctx, in); err != nil {
		if recapi.IsThrottle(err) {
			trackerThrottles.WithLabelValues(trackingID).Inc()
		}
		return recapi.FromAWS(err)
	}
	return nil
}

func (f *FanOut) putStream(ctx context.Context, ns *config.EffectiveNamespace, req *Request, streamName string) error {
	data, err := f.envelope(ns, req)
	if err != nil {
		return err
	}
	_, err = f.kinesis.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(streamName),
		Data:         data,
		PartitionKey: aws.String(req.Body.SessionID),
	})
	if err != nil {
		return recapi.FromAWS(err)
	}
	return nil
}

func (f *FanOut) putDeliveryStream(ctx context.Context, ns *config.EffectiveNamespace, req *Request, streamName string) error {
	data, err := f.envelope(ns, req)
	if err != nil {
		return err
	}
	_, err = f.firehose.PutRecord(ctx, &firehose.PutRecordInput{
		DeliveryStreamName: aws.String(streamName),
		Record:             &firehosetypes.Record{Data: data},
	})
	if err != nil {
		return recapi.FromAWS(err)
	}
	return nil
}

// envelope wraps the request in the JSON record shape written to stream
// targets. Auto-context is applied to a copy so concurrent targets never
// share mutable state.
func (f *FanOut) envelope(ns *config.EffectiveNamespace, req *Request) ([]byte, error) {
	body := req.Body.clone()
	resolved := autocontext.Resolve(ns.AutoContext, req.Headers, f.now())
	for _, ev := range body.EventList {
		properties, err := mergeProperties(ev.Properties, resolved)
		if err != nil {
			return nil, err
		}
		ev.Properties = properties
	}

	return json.Marshal(struct {
		Namespace             string            `json:"namespace"`
		Path                  string            `json:"path"`
		Headers               map[string]string `json:"headers"`
		QueryStringParameters map[string]string `json:"queryStringParameters"`
		Body                  *IngestRequest    `json:"body"`
	}{
		Namespace:             ns.Name,
		Path:                  req.Path,
		Headers:               flatten(req.Headers),
		QueryStringParameters: flatten(req.Query),
		Body:                  body,
	})
}

// mergeProperties writes each resolved auto-context field into the
// event's JSON-encoded properties unless the caller already set it.
// Multi-valued string fields are joined with "|", other types keep the
// first value.
func mergeProperties(raw string, resolved map[string]*autocontext.Resolution) (string, error) {
	if len(resolved) == 0 {
		return raw, nil
	}
	properties := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &properties); err != nil {
			return "", recapi.NewValidationError("InvalidEventProperties", "event properties are not valid JSON: %s", err)
		}
	}
	for field, res := range resolved {
		if _, ok := properties[field]; ok {
			continue
		}
		values := res.Strings()
		if len(values) == 0 {
			continue
		}
		if res.Type == "string" {
			properties[field] = strings.Join(values, "|")
		} else {
			properties[field] = values[0]
		}
	}
	out, err := json.Marshal(properties)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func flatten(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for name, v := range values {
		if len(v) == 0 {
			continue
		}
		out[strings.ToLower(name)] = v[0]
	}
	return out
}
