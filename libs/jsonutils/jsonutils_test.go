package jsonutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAt(t *testing.T) {
	v, err := ParseValue([]byte(`{"pool":{"account":"bonus-pool","size":10},"enabled":true}`))
	require.NoError(t, err)

	s, ok := v.At("pool.account").String()
	assert.True(t, ok)
	assert.Equal(t, "bonus-pool", s)

	n, ok := v.At("pool.size").Int64()
	assert.True(t, ok)
	assert.Equal(t, int64(10), n)

	b, ok := v.At("enabled").Bool()
	assert.True(t, ok)
	assert.True(t, b)

	// missing path and wrong-shape traversal are absent, not zero
	assert.False(t, v.At("pool.missing").IsPresent())
	assert.False(t, v.At("enabled.nested").IsPresent())
}

func TestValueInt64RejectsFractional(t *testing.T) {
	v, err := ParseValue([]byte(`{"rate":1.5}`))
	require.NoError(t, err)

	_, ok := v.At("rate").Int64()
	assert.False(t, ok)

	f, ok := v.At("rate").Float64()
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)
}

func TestRedact(t *testing.T) {
	v, err := ParseValue([]byte(`{"provider":{"key":"secret-key","url":"https://psp.example"},"timeout":30}`))
	require.NoError(t, err)

	redacted := v.Redact([]string{"provider.key"})

	s, ok := redacted.At("provider.key").String()
	assert.True(t, ok)
	assert.Equal(t, "[REDACTED]", s)

	// untouched siblings survive
	url, _ := redacted.At("provider.url").String()
	assert.Equal(t, "https://psp.example", url)

	// the original is not mutated
	orig, _ := v.At("provider.key").String()
	assert.Equal(t, "secret-key", orig)
}

func TestRedactMissingPathIsNoop(t *testing.T) {
	v, err := ParseValue([]byte(`{"a":1}`))
	require.NoError(t, err)

	redacted := v.Redact([]string{"b.c"})
	n, ok := redacted.At("a").Int64()
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
}

func TestJSONStringArrayScan(t *testing.T) {
	var arr JSONStringArray
	require.NoError(t, arr.Scan([]byte(`["a","b"]`)))
	assert.Equal(t, JSONStringArray{"a", "b"}, arr)

	require.NoError(t, arr.Scan(nil))
	assert.Error(t, arr.Scan("not bytes"))

	val, err := JSONStringArray{"x"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `["x"]`, string(val.([]byte)))
}
