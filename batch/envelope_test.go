package batch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeArgs(t *testing.T) {
	out := mergeArgs(
		map[string]any{"a": 1, "b": "base"},
		map[string]any{"b": "override", "c": true},
		nil,
	)
	assert.Equal(t, map[string]any{"a": 1, "b": "override", "c": true}, out)

	// Always a fresh map, even from nothing.
	empty := mergeArgs()
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestIntArg(t *testing.T) {
	cases := []struct {
		name string
		val  any
		want int
		ok   bool
	}{
		{"int", 7, 7, true},
		{"int64", int64(7), 7, true},
		{"float64 from json", float64(7), 7, true},
		{"json.Number", json.Number("7"), 7, true},
		{"numeric string", "7", 7, true},
		{"garbage string", "seven", 0, false},
		{"bool", true, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := intArg(map[string]any{"k": tc.val}, "k")
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := intArg(map[string]any{}, "missing")
	assert.False(t, ok)
}

func TestStringAndBoolArg(t *testing.T) {
	args := map[string]any{"s": "hello", "n": 3, "b": true}
	assert.Equal(t, "hello", stringArg(args, "s"))
	assert.Empty(t, stringArg(args, "n"))
	assert.Empty(t, stringArg(args, "missing"))
	assert.True(t, boolArg(args, "b"))
	assert.False(t, boolArg(args, "s"))
	assert.False(t, boolArg(args, "missing"))
}
