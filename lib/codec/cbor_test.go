// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queuedRecord struct {
	ID     int64             `cbor:"id"`
	Params map[string]string `cbor:"params"`
}

func TestMarshalIsDeterministicAcrossMapOrder(t *testing.T) {
	first := queuedRecord{ID: 7, Params: map[string]string{"app_key": "k", "device_id": "d", "events": "[]"}}
	second := queuedRecord{ID: 7, Params: map[string]string{"events": "[]", "device_id": "d", "app_key": "k"}}

	firstBytes, err := Marshal(first)
	require.NoError(t, err)
	secondBytes, err := Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, firstBytes, secondBytes)
}

func TestUnmarshalIntoAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"segment": map[string]any{"plan": "pro"}})
	require.NoError(t, err)

	var decoded any
	require.NoError(t, Unmarshal(data, &decoded))

	outer, ok := decoded.(map[string]any)
	require.True(t, ok, "decoded %T", decoded)
	inner, ok := outer["segment"].(map[string]any)
	require.True(t, ok, "nested %T", outer["segment"])
	assert.Equal(t, "pro", inner["plan"])
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(queuedRecord{ID: 1, Params: map[string]string{"a": "b"}})
	require.NoError(t, err)

	text, err := Diagnose(data)
	require.NoError(t, err)
	assert.Contains(t, text, `"params"`)
	assert.Contains(t, text, `"a": "b"`)
}
