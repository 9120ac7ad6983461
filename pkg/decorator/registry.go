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
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
	"github.com/personalization-apis/personalization-engine/pkg/background"
	"github.com/personalization-apis/personalization-engine/pkg/config"
)

const (
	// prepareCheckFrequency throttles the datastore prepare pass, which
	// runs on the hot path of every request.
	prepareCheckFrequency = 5 * time.Second
	// defaultSyncInterval is how often a namespace's local indexed file
	// is refreshed from object storage unless its config says otherwise.
	defaultSyncInterval = 5 * time.Minute

	localDBKeyPrefix = "localdbs"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configure a Registry.
type Options struct {
	// Bucket is the staging bucket local indexed files are synced from.
	Bucket string
	// TablePrefix is prepended to the namespace to form the key-value
	// store table name.
	TablePrefix string
	// PrimaryKey is the key-value store table's primary key field.
	PrimaryKey string
	// DataDir is where local indexed files live, one directory per
	// namespace.
	DataDir string

	DynamoDB dynamoAPI
	S3       s3API
}

func (o *Options) setDefaults() {
	if o.TablePrefix == "" {
		o.TablePrefix = "PersonalizationApiItemMetadata_"
	}
	if o.PrimaryKey == "" {
		o.PrimaryKey = "id"
	}
	if o.DataDir == "" {
		o.DataDir = os.TempDir()
	}
}

// Registry hands out per-namespace decorators and keeps their
// datastores prepared.
type Registry struct {
	logger log.Logger
	opts   Options
	now    func() time.Time

	mtx                 sync.Mutex
	decorators          map[string]Decorator
	lastPrepareCheck    time.Time
	lastDownloadAttempt map[string]time.Time
}

// NewRegistry returns a registry with no prepared decorators.
func NewRegistry(logger log.Logger, opts *Options) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts == nil {
		opts = &Options{}
	}
	opts.setDefaults()
	return &Registry{
		logger:              logger,
		opts:                *opts,
		now:                 time.Now,
		decorators:          map[string]Decorator{},
		lastDownloadAttempt: map[string]time.Time{},
	}
}

// PrepareDatastores refreshes the datastores behind the configured
// decorators. It is called on every request and throttles itself to do
// real work at most once per prepareCheckFrequency; local indexed files
// are additionally throttled per namespace by their sync interval, and
// their downloads run on the background group rather than inline.
func (r *Registry) PrepareDatastores(ctx context.Context, doc *config.Document, group *background.Group) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	start := r.now()
	if start.Sub(r.lastPrepareCheck) <= prepareCheckFrequency {
		return
	}

	prepared := 0
	for name, ns := range doc.Namespaces {
		if ns == nil || ns.InferenceItemMetadata == nil {
			continue
		}
		switch ns.InferenceItemMetadata.Type {
		case config.MetadataLocalFile:
			interval := defaultSyncInterval
			if ns.InferenceItemMetadata.SyncInterval > 0 {
				interval = time.Duration(ns.InferenceItemMetadata.SyncInterval) * time.Second
			}
			if start.Sub(r.lastDownloadAttempt[name]) <= interval {
				_ = level.Debug(r.logger).Log("msg", "local metadata file sync not due yet", "namespace", name)
				continue
			}
			r.lastDownloadAttempt[name] = r.now()
			namespace := name
			group.Go(ctx, "metadata-sync", func(ctx context.Context) error {
				return r.syncLocalFile(ctx, namespace)
			})
			prepared++

		case config.MetadataKeyValueStore:
			r.decorators[name] = NewKeyValueStore(r.opts.DynamoDB, r.opts.TablePrefix+name, r.opts.PrimaryKey)
			prepared++

		case config.MetadataManaged:
			// Metadata arrives inline with the inference response.
		}
	}
	r.lastPrepareCheck = r.now()

	if prepared > 0 {
		_ = level.Info(r.logger).Log("msg", "prepared item metadata datastores", "count", prepared, "duration", r.now().Sub(start))
	}
}

// Instance returns the namespace's decorator, constructing it on first
// use. Namespaces without inferenceItemMetadata get none.
func (r *Registry) Instance(namespace string, doc *config.Document) (Decorator, error) {
	ns := doc.EffectiveNamespace(namespace)
	if ns == nil || ns.InferenceItemMetadata == nil {
		return nil, nil
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if d, ok := r.decorators[namespace]; ok {
		return d, nil
	}

	var d Decorator
	switch ns.InferenceItemMetadata.Type {
	case config.MetadataLocalFile:
		d = NewLocalFile(r.logger, r.opts.DataDir, namespace)
	case config.MetadataKeyValueStore:
		d = NewKeyValueStore(r.opts.DynamoDB, r.opts.TablePrefix+namespace, r.opts.PrimaryKey)
	case config.MetadataManaged:
		d = Managed{}
	default:
		return nil, recapi.NewConfigError(http.StatusInternalServerError, "UnsupportedInferenceItemMetadataType", "inference item metadata type %q is not supported", ns.InferenceItemMetadata.Type)
	}
	r.decorators[namespace] = d
	return d, nil
}

// Close closes all registered decorators.
func (r *Registry) Close() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var errs []error
	for namespace, d := range r.decorators {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", namespace, err))
		}
	}
	r.decorators = map[string]Decorator{}
	return errors.Join(errs...)
}

// errNotStaged marks a sync that found no staged file to download.
var errNotStaged = errors.New("item metadata file not staged")

// syncLocalFile refreshes the namespace's local metadata file and counts
// the outcome. A file that has not been staged yet is not an error.
func (r *Registry) syncLocalFile(ctx context.Context, namespace string) error {
	err := r.downloadLocalFile(ctx, namespace)
	switch {
	case errors.Is(err, errNotStaged):
		metadataSyncs.WithLabelValues(namespace, "skipped").Inc()
		return nil
	case err != nil:
		metadataSyncs.WithLabelValues(namespace, "error").Inc()
		return err
	}
	metadataSyncs.WithLabelValues(namespace, "success").Inc()
	return nil
}

// downloadLocalFile downloads the namespace's compressed metadata file
// from the staging bucket, decompresses it next to the live copy and
// swaps it in atomically, then replaces the registered decorator.
func (r *Registry) downloadLocalFile(ctx context.Context, namespace string) error {
	key := path.Join(localDBKeyPrefix, namespace, localDBGzipFilename)
	dir := filepath.Join(r.opts.DataDir, namespace)
	dest := filepath.Join(dir, localDBFilename)

	_ = level.Info(r.logger).Log("msg", "syncing item metadata file", "bucket", r.opts.Bucket, "key", key, "path", dest)

	out, err := r.opts.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "AccessDenied" || apiErr.ErrorCode() == "NoSuchKey") {
			_ = level.Error(r.logger).Log("msg", "staged item metadata file either does not exist or access has been revoked", "bucket", r.opts.Bucket, "key", key)
			return errNotStaged
		}
		return err
	}
	defer out.Body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return err
	}
	defer gz.Close()

	tmp, err := os.CreateTemp(dir, localDBFilename+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, gz); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}

	r.mtx.Lock()
	old := r.decorators[namespace]
	r.decorators[namespace] = NewLocalFile(r.logger, r.opts.DataDir, namespace)
	r.mtx.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}
