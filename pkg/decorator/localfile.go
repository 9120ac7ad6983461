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
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	bolt "go.etcd.io/bbolt"

	"github.com/personalization-apis/personalization-engine/internal/recapi"
)

const (
	localDBFilename     = "p13n_item_metadata.db"
	localDBGzipFilename = localDBFilename + ".gz"
)

// ItemsBucket is the bucket holding item metadata in a local indexed
// file, one JSON document per item id.
var ItemsBucket = []byte("items")

// LocalFile decorates responses from an on-disk indexed file staged by
// the metadata sync. The file is opened read-only; if it has not been
// staged yet, decoration is skipped until it appears.
type LocalFile struct {
	logger log.Logger
	path   string

	mtx sync.Mutex
	db  *bolt.DB
}

// NewLocalFile returns a decorator for the namespace's indexed file
// under dataDir. A missing file is not an error.
func NewLocalFile(logger log.Logger, dataDir, namespace string) *LocalFile {
	d := &LocalFile{
		logger: logger,
		path:   filepath.Join(dataDir, namespace, localDBFilename),
	}
	d.db, _ = d.open()
	return d
}

func (d *LocalFile) open() (*bolt.DB, error) {
	if _, err := os.Stat(d.path); err != nil {
		return nil, err
	}
	return bolt.Open(d.path, 0o400, &bolt.Options{ReadOnly: true, Timeout: time.Second})
}

func (d *LocalFile) Decorate(_ context.Context, resp *recapi.Response) error {
	d.mtx.Lock()
	if d.db == nil {
		// The file may have been staged since this instance was created.
		d.db, _ = d.open()
	}
	db := d.db
	d.mtx.Unlock()

	if db == nil {
		_ = level.Warn(d.logger).Log("msg", "local item metadata file does not exist, has item metadata been uploaded and staged?", "path", d.path)
		return nil
	}

	items := resp.Items()
	if len(items) == 0 {
		return nil
	}
	lookup, ids := indexByItemID(items)

	return db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ItemsBucket)
		if bucket == nil {
			return nil
		}
		for _, id := range ids {
			raw := bucket.Get([]byte(id))
			if raw == nil {
				continue
			}
			var metadata map[string]any
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return err
			}
			for _, idx := range lookup[id] {
				items[idx].Metadata = metadata
			}
		}
		return nil
	})
}

func (d *LocalFile) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
