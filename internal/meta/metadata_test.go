package meta

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithMergeClone(t *testing.T) {
	base := New(map[string]string{KeyDatasetName: "cats"})
	withCount := base.With(KeyItemCount, "4")

	_, ok := base.Get(KeyItemCount)
	assert.False(t, ok, "With must not mutate the receiver")
	v, ok := withCount.Get(KeyItemCount)
	require.True(t, ok)
	assert.Equal(t, "4", v)

	withCount.Merge(Metadata{KeyDatasetName: "dogs"})
	assert.Equal(t, "dogs", withCount[KeyDatasetName])
	assert.Equal(t, "cats", base[KeyDatasetName])
}

func TestValidationLimits(t *testing.T) {
	pairs := make(map[string]string)
	for i := 0; i < MaxPairs+1; i++ {
		pairs[strings.Repeat("k", i+1)] = "v"
	}
	assert.ErrorIs(t, New(pairs).Validate(), ErrTooManyPairs)
	assert.ErrorIs(t, New(map[string]string{strings.Repeat("k", MaxKeyLen+1): "v"}).Validate(), ErrKeyLength)
	assert.ErrorIs(t, New(map[string]string{"": "v"}).Validate(), ErrKeyLength)
	assert.ErrorIs(t, New(map[string]string{"k": strings.Repeat("v", MaxValLen+1)}).Validate(), ErrValueLength)

	big := make(map[string]string)
	for i := 0; i < MaxPairs; i++ {
		big[strings.Repeat("k", i+1)] = strings.Repeat("v", MaxValLen)
	}
	assert.ErrorIs(t, New(big).Validate(), ErrTooLarge)
}

func TestStableJSON(t *testing.T) {
	m := New(map[string]string{"b": "2", "a": "1"})
	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(b))

	var back Metadata
	require.NoError(t, json.Unmarshal([]byte("null"), &back))
	assert.Empty(t, back)
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m, back)
}
