package jsonrules

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComparisonOperators(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		fact    any
		value   any
		want    bool
		wantErr bool
	}{
		{"eq numbers", opEqual, 42.0, 42, true, false},
		{"eq int and float", opEqual, 5, 5.0, true, false},
		{"eq strings", opEqual, "on", "on", true, false},
		{"eq bools", opEqual, true, true, true, false},
		{"eq mismatch", opEqual, true, false, false, false},
		{"ne", opNotEqual, 1, 2, true, false},
		{"lt", opLessThan, 350.0, 400, true, false},
		{"lt false", opLessThan, 450.0, 400, false, false},
		{"lte boundary", opLessThanEqual, 400.0, 400, true, false},
		{"gt", opGreaterThan, 500, 400.0, true, false},
		{"gte boundary", opGreaterThanEqual, 400, 400, true, false},
		{"ordered on bool raises", opGreaterThan, true, 1, false, true},
		{"ordered strings", opLessThan, "a", "b", true, false},
		{"contains", opContains, "living room sensor", "room", true, false},
		{"contains coerces", opContains, 12345, "234", true, false},
		{"starts_with", opStartsWith, "dev-sensor-1", "dev-", true, false},
		{"ends_with", opEndsWith, "dev-sensor-1", "-1", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := operators[tt.op]
			require.NotNil(t, op)

			got, err := op(tt.fact, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegexOperator(t *testing.T) {
	op := regexOperator(regexp.MustCompile(`^room-\d+$`))

	got, err := op("room-12", nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = op("hallway", nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestToFloat64(t *testing.T) {
	for _, v := range []any{float64(1), float32(1), int(1), int8(1), int16(1), int32(1), int64(1), uint(1), uint8(1), uint16(1), uint32(1), uint64(1)} {
		f, ok := toFloat64(v)
		assert.True(t, ok)
		assert.Equal(t, 1.0, f)
	}

	_, ok := toFloat64("1")
	assert.False(t, ok)
	_, ok = toFloat64(true)
	assert.False(t, ok)
}
