package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Scalars(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"html not escaped", "<a&b>", `"<a&b>"`},
		{"control escaped", "a\nb\x01", `"a\nb\u0001"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"bool", true, "true"},
		{"strings", []string{"b", "a"}, `["b","a"]`},
		{"empty object", map[string]any{}, "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshal_SortsKeysRecursively(t *testing.T) {
	out, err := Marshal(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"b": "x", "a": []any{"y", 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":["y",2],"b":"x"},"zebra":1}`, string(out))
}

func TestMarshal_NFCNormalizes(t *testing.T) {
	decomposed, err := Marshal("e\u0301")
	require.NoError(t, err)
	composed, err := Marshal("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshal_Refuses(t *testing.T) {
	_, err := Marshal(nil)
	assert.Error(t, err)
	_, err = Marshal(1.5)
	assert.Error(t, err)
	_, err = Marshal(map[string]any{"k": nil})
	assert.Error(t, err)
	_, err = Marshal(struct{}{})
	assert.Error(t, err)
}

func TestHash_DomainSeparated(t *testing.T) {
	v := map[string]any{"work_item_code": "WO-100"}
	a, err := Hash(DomainEvidence, v)
	require.NoError(t, err)
	b, err := Hash(DomainEvent, v)
	require.NoError(t, err)
	again, err := Hash(DomainEvidence, v)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
}
