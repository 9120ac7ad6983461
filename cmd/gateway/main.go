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

// The gateway binary serves the personalization API over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/evidently"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/personalizeevents"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/personalization-apis/personalization-engine/pkg/background"
	"github.com/personalization-apis/personalization-engine/pkg/config"
	"github.com/personalization-apis/personalization-engine/pkg/decorator"
	"github.com/personalization-apis/personalization-engine/pkg/events"
	"github.com/personalization-apis/personalization-engine/pkg/experiments"
	"github.com/personalization-apis/personalization-engine/pkg/gateway"
	"github.com/personalization-apis/personalization-engine/pkg/resolver"
)

type gatewayOptions struct {
	// ListenAddress is the address the API server binds to.
	ListenAddress string
	// CORSOrigins restricts cross-origin callers. Empty allows any.
	CORSOrigins []string
	// SidecarURL is the base URL of the configuration sidecar.
	SidecarURL string
	// PrefetchPath is the sidecar path the configuration document is
	// fetched from.
	PrefetchPath string
	// ConfigMaxAge bounds how long a fetched configuration document is
	// reused before the sidecar is asked again.
	ConfigMaxAge time.Duration

	// Region and AccountID qualify caller-supplied filter names.
	Region    string
	AccountID string

	// StagingBucket holds staged local indexed item metadata files.
	StagingBucket string
	// TablePrefix is prepended to the namespace to form the item
	// metadata table name.
	TablePrefix string
	// PrimaryKey is the item metadata table's primary key field.
	PrimaryKey string
	// DataDir is where local indexed metadata files are kept.
	DataDir string
}

func (opts *gatewayOptions) setupFlags(a *kingpin.Application) {
	a.Flag("web.listen-address", "Address on which to expose the personalization API and metrics.").
		Default(":8080").StringVar(&opts.ListenAddress)

	a.Flag("web.cors.origin", "Origin allowed to call the API cross-origin. Repeatable; unset allows any origin.").
		StringsVar(&opts.CORSOrigins)

	a.Flag("config.sidecar-url", "Base URL of the configuration sidecar.").
		Default(config.DefaultSidecarURL).StringVar(&opts.SidecarURL)

	a.Flag("config.prefetch-path", "Sidecar path the configuration document is served from, e.g. /applications/my-app/environments/prod/configurations/main.").
		Envar("AWS_APPCONFIG_EXTENSION_PREFETCH_LIST").Required().StringVar(&opts.PrefetchPath)

	a.Flag("config.max-age", "How long a fetched configuration document is reused before asking the sidecar again.").
		Default(config.DefaultMaxAge.String()).DurationVar(&opts.ConfigMaxAge)

	a.Flag("aws.region", "Region used to qualify caller-supplied filter names.").
		Envar("AWS_REGION").Required().StringVar(&opts.Region)

	a.Flag("aws.account-id", "Account ID used to qualify caller-supplied filter names.").
		Envar("AWS_ACCOUNT_ID").Required().StringVar(&opts.AccountID)

	a.Flag("metadata.staging-bucket", "Bucket staged local indexed item metadata files are synced from.").
		Envar("StagingBucket").StringVar(&opts.StagingBucket)

	a.Flag("metadata.table-prefix", "Prefix prepended to the namespace to form the item metadata table name.").
		Envar("ItemsTableNamePrefix").Default("PersonalizationApiItemMetadata_").StringVar(&opts.TablePrefix)

	a.Flag("metadata.primary-key", "Primary key field of the item metadata table.").
		Envar("ItemsTablePrimaryKeyFieldName").Default("id").StringVar(&opts.PrimaryKey)

	a.Flag("metadata.data-dir", "Directory local indexed metadata files are downloaded to.").
		Default(os.TempDir()).StringVar(&opts.DataDir)
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("gateway", "The personalization API gateway.")
	a.HelpFlag.Short('h')

	var opts gatewayOptions
	opts.setupFlags(a)

	logLevel := a.Flag("log.level", "Only log messages with the given severity or above. One of: [debug, info, warn, error].").
		Default("info").Enum("debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing command line failed", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	switch *logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	background.RegisterMetrics(metrics)
	resolver.RegisterMetrics(metrics)
	if err := errors.Join(
		gateway.RegisterMetrics(metrics),
		decorator.RegisterMetrics(metrics),
		events.RegisterMetrics(metrics),
	); err != nil {
		_ = level.Error(logger).Log("msg", "registering metrics failed", "err", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(opts.Region))
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading AWS configuration failed", "err", err)
		os.Exit(1)
	}

	provider := config.NewProvider(logger, metrics, &config.ProviderOptions{
		SidecarURL:   opts.SidecarURL,
		PrefetchPath: opts.PrefetchPath,
		MaxAge:       opts.ConfigMaxAge,
	})

	lambdaClient := lambda.NewFromConfig(awsCfg)
	managed := resolver.NewManaged(personalizeruntime.NewFromConfig(awsCfg))
	ev := experiments.NewEvidently(logger, evidently.NewFromConfig(awsCfg))

	registry := decorator.NewRegistry(logger, &decorator.Options{
		Bucket:      opts.StagingBucket,
		TablePrefix: opts.TablePrefix,
		PrimaryKey:  opts.PrimaryKey,
		DataDir:     opts.DataDir,
		DynamoDB:    dynamodb.NewFromConfig(awsCfg),
		S3:          s3.NewFromConfig(awsCfg),
	})

	gw := gateway.New(logger, &gateway.Options{
		Config: provider,
		Selector: experiments.NewSelector(map[string]experiments.Evaluator{
			config.ExperimentMethodManagedEvaluator: ev,
		}),
		Resolvers: map[string]resolver.Resolver{
			config.VariationManagedRecommender: managed,
			config.VariationManagedCampaign:    managed,
			config.VariationModelEndpoint:      resolver.NewEndpoint(sagemakerruntime.NewFromConfig(awsCfg)),
			config.VariationFunction:           resolver.NewFunction(lambdaClient),
			config.VariationHTTP:               resolver.NewHTTP(logger, nil),
		},
		Registry:      registry,
		PostProcessor: resolver.NewPostProcessor(lambdaClient),
		FanOut: events.New(logger, &events.Options{
			Personalize: personalizeevents.NewFromConfig(awsCfg),
			Kinesis:     kinesis.NewFromConfig(awsCfg),
			Firehose:    firehose.NewFromConfig(awsCfg),
		}),
		Conversions:    ev,
		Region:         opts.Region,
		AccountID:      opts.AccountID,
		AllowedOrigins: opts.CORSOrigins,
	})

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(err error) {
				close(cancel)
			},
		)
	}
	{
		// Warm the per-namespace datastores once at startup so the
		// first requests don't pay the download.
		ctx, cancel := context.WithCancel(context.Background())

		g.Add(
			func() error {
				warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
				defer warmCancel()

				if doc, err := provider.Config(warmCtx); err != nil {
					_ = level.Warn(logger).Log("msg", "initial configuration fetch failed", "err", err)
				} else {
					group := background.New(logger, nil)
					registry.PrepareDatastores(warmCtx, doc, group)
					if err := group.Close(); err != nil {
						_ = level.Warn(logger).Log("msg", "preparing datastores failed", "err", err)
					}
				}
				<-ctx.Done()
				return nil
			},
			func(err error) {
				cancel()
			},
		)
	}
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
		mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "Personalization gateway is Healthy.\n")
		})
		mux.HandleFunc("/-/ready", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "Personalization gateway is Ready.\n")
		})
		mux.Handle("/", gw)

		server := &http.Server{Addr: opts.ListenAddress, Handler: mux}

		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "starting web server", "listen", opts.ListenAddress)
				return server.ListenAndServe()
			},
			func(err error) {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()

				if err := server.Shutdown(ctx); err != nil {
					_ = level.Error(logger).Log("msg", "shutting down web server failed", "err", err)
				}
				if err := registry.Close(); err != nil {
					_ = level.Error(logger).Log("msg", "closing metadata datastores failed", "err", err)
				}
			},
		)
	}
	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "running gateway failed", "err", err)
		os.Exit(1)
	}
}
