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

// Package cachecontrol composes HTTP cache headers from the effective
// variation's cache policy and answers conditional GET revalidations
// without re-running inference.
package cachecontrol

import (
	"fmt"
	"hash/adler32"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// ETag builds the entity tag for a response: a checksum of the request
// path and canonical query string, the emission time in milliseconds and
// the tier's max age in seconds, hyphen-separated. Conditional GETs
// revalidate against the embedded timestamps alone.
func ETag(path string, query url.Values, maxAge int, now time.Time) string {
	sum := adler32.Checksum([]byte(path + "?" + query.Encode()))
	return fmt.Sprintf("%d-%d-%d", sum, now.UnixMilli(), maxAge)
}

// SetHeaders writes ETag and Cache-Control headers for the chosen tier.
// Requests without a user use the noUserSpecified tier, synthetic users
// the syntheticUserSpecified tier, everyone else userSpecified.
func SetHeaders(h http.Header, cc *config.CacheControl, r *http.Request, userID string, syntheticUser bool, now time.Time) {
	d := tierFor(cc, userID, syntheticUser)
	if d == nil {
		return
	}
	if d.MaxAge != nil {
		h.Set("ETag", ETag(r.URL.Path, r.URL.Query(), *d.MaxAge, now))
		if d.Directives != "" && !strings.Contains(d.Directives, "max-age=") {
			h.Set("Cache-Control", fmt.Sprintf("%s,max-age=%d", d.Directives, *d.MaxAge))
		} else {
			h.Set("Cache-Control", fmt.Sprintf("max-age=%d", *d.MaxAge))
		}
	} else if d.Directives != "" {
		h.Set("Cache-Control", d.Directives)
	}
}

func tierFor(cc *config.CacheControl, userID string, syntheticUser bool) *config.CacheDirectives {
	if cc == nil {
		return nil
	}
	switch {
	case userID == "":
		return cc.NoUserSpecified
	case syntheticUser:
		return cc.SyntheticUserSpecified
	default:
		return cc.UserSpecified
	}
}

// NotModified reports whether the request carries an If-None-Match entity
// tag that is still fresh at now. The last two tag segments hold the
// emission time in milliseconds and the max age in seconds; anything
// unparsable never matches.
func NotModified(r *http.Request, now time.Time) bool {
	etag := strings.Trim(r.Header.Get("If-None-Match"), `"`)
	if etag == "" {
		return false
	}
	parts := strings.Split(etag, "-")
	if len(parts) < 2 {
		return false
	}
	issuedMs, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return false
	}
	maxAge, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return false
	}
	return issuedMs+maxAge*1000 > now.UnixMilli()
}
