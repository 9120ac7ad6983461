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

// Package autocontext derives inference context fields from request
// attributes such as CDN viewer headers and the request time.
package autocontext

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/personalization-apis/personalization-engine/pkg/config"
)

// Rule types.
const (
	RuleHeaderValue  = "header-value"
	RuleHourOfDay    = "hour-of-day"
	RuleDayOfWeek    = "day-of-week"
	RuleSeasonOfYear = "season-of-year"
)

// Value mapping operators.
const (
	OperatorEquals      = "equals"
	OperatorLessThan    = "less-than"
	OperatorGreaterThan = "greater-than"
	OperatorContains    = "contains"
	OperatorStartsWith  = "start-with"
	OperatorEndsWith    = "ends-with"
)

// CDN viewer headers consulted for time-based rules.
const (
	HeaderViewerTimeZone = "cloudfront-viewer-time-zone"
	HeaderViewerLatitude = "cloudfront-viewer-latitude"
)

// Resolution is the outcome for one context field: the resolved values in
// rule order and the field's configured type.
type Resolution struct {
	Values []any
	Type   string
}

// First returns the first resolved value formatted as a string, or the
// empty string when nothing resolved.
func (r *Resolution) First() string {
	if r == nil || len(r.Values) == 0 {
		return ""
	}
	return formatValue(r.Values[0])
}

// Strings returns all resolved values formatted as strings.
func (r *Resolution) Strings() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Values))
	for _, v := range r.Values {
		out = append(out, formatValue(v))
	}
	return out
}

// Season returns the season index for the given time: 0 spring, 1 summer,
// 2 fall, 3 winter. A negative latitude flips to the southern hemisphere.
func Season(t time.Time, latitude float64) int {
	md := int(t.Month())*100 + t.Day()

	var s int
	switch {
	case md > 320 && md < 621:
		s = 0
	case md > 620 && md < 923:
		s = 1
	case md > 922 && md < 1223:
		s = 2
	default:
		s = 3
	}
	if latitude < 0 {
		if s < 2 {
			s += 2
		} else {
			s -= 2
		}
	}
	return s
}

// Resolve derives values for every configured field from the request
// headers and time. Time-based rules run in the viewer's timezone when the
// CDN provides one. Fields that resolve to nothing and have no default are
// omitted from the result.
func Resolve(fields config.AutoContext, headers http.Header, now time.Time) map[string]*Resolution {
	if len(fields) == 0 {
		return nil
	}
	if tz := headers.Get(HeaderViewerTimeZone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			now = now.In(loc)
		}
	}

	out := make(map[string]*Resolution)
	for name, field := range fields {
		values := resolveField(field, headers, now)
		if len(values) == 0 && !isEmpty(field.Default) {
			values = []any{field.Default}
		}
		if len(values) == 0 {
			continue
		}
		out[name] = &Resolution{Values: values, Type: field.Type}
	}
	return out
}

func resolveField(field *config.AutoContextField, headers http.Header, now time.Time) []any {
	var (
		values []any
		seen   = map[string]bool{}
	)
	for _, rule := range field.Rules {
		var raw any
		switch rule.Type {
		case RuleHeaderValue:
			hv := headers.Get(rule.Header)
			if hv == "" {
				continue
			}
			raw = hv
		case RuleHourOfDay:
			raw = now.Hour()
		case RuleDayOfWeek:
			// Monday-indexed weekday.
			raw = (int(now.Weekday()) + 6) % 7
		case RuleSeasonOfYear:
			raw = Season(now, viewerLatitude(headers))
		default:
			continue
		}

		resolved := applyMappings(rule.ValueMappings, raw)
		if isEmpty(resolved) {
			continue
		}
		if key := formatValue(resolved); !seen[key] {
			seen[key] = true
			values = append(values, resolved)
		}
		if !field.EvaluateAll {
			break
		}
	}
	return values
}

// applyMappings rewrites the raw value through the first matching mapping
// with a non-empty target. Without mappings the raw value passes through;
// with mappings and no match the value is discarded.
func applyMappings(mappings []*config.ValueMapping, raw any) any {
	if len(mappings) == 0 {
		return raw
	}
	for _, m := range mappings {
		if !matches(m.Operator, raw, m.Value) {
			continue
		}
		if !isEmpty(m.MapTo) {
			return m.MapTo
		}
	}
	return nil
}

func matches(op string, value, against any) bool {
	switch op {
	case OperatorEquals:
		return equalValues(value, against)
	case OperatorLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(against)
		return aok && bok && a < b
	case OperatorGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(against)
		return aok && bok && a > b
	case OperatorContains:
		return strings.Contains(formatValue(value), formatValue(against))
	case OperatorStartsWith:
		return strings.HasPrefix(formatValue(value), formatValue(against))
	case OperatorEndsWith:
		return strings.HasSuffix(formatValue(value), formatValue(against))
	}
	return false
}

func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if as, ok := a.(string); ok {
		bs, bok := b.(string)
		return bok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func isEmpty(v any) bool {
	return v == nil || v == ""
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprintf("%v", v)
}

func viewerLatitude(headers http.Header) float64 {
	lat, err := strconv.ParseFloat(headers.Get(HeaderViewerLatitude), 64)
	if err != nil {
		return 0
	}
	return lat
}
