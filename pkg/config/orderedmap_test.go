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

package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedMapPreservesDocumentOrder(t *testing.T) {
	t.Parallel()

	var m OrderedMap[int]
	require.NoError(t, json.Unmarshal([]byte(`{"zulu": 1, "alpha": 2, "mike": 3}`), &m))

	require.Equal(t, []string{"zulu", "alpha", "mike"}, m.Keys())
	require.Equal(t, 3, m.Len())

	name, v := m.At(0)
	require.Equal(t, "zulu", name)
	require.Equal(t, 1, v)

	v, ok := m.Get("mike")
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = m.Get("absent")
	require.False(t, ok)
}

func TestOrderedMapMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	in := []byte(`{"zulu":{"type":"http"},"alpha":{"type":"function"}}`)
	var m OrderedMap[*Variation]
	require.NoError(t, json.Unmarshal(in, &m))

	out, err := json.Marshal(&m)
	require.NoError(t, err)
	require.Equal(t, string(in), string(out))
}

func TestOrderedMapDuplicateKeys(t *testing.T) {
	t.Parallel()

	var m OrderedMap[int]
	require.NoError(t, json.Unmarshal([]byte(`{"a": 1, "b": 2, "a": 3}`), &m))

	require.Equal(t, []string{"a", "b"}, m.Keys())
	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestOrderedMapNull(t *testing.T) {
	t.Parallel()

	var m OrderedMap[int]
	require.NoError(t, json.Unmarshal([]byte(`null`), &m))
	require.Equal(t, 0, m.Len())

	var nilMap *OrderedMap[int]
	out, err := json.Marshal(nilMap)
	require.NoError(t, err)
	require.Equal(t, "null", string(out))
}

func TestOrderedMapRejectsNonObject(t *testing.T) {
	t.Parallel()

	var m OrderedMap[int]
	require.Error(t, json.Unmarshal([]byte(`[1, 2]`), &m))
}
