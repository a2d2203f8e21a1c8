package stats

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlock_PreservesInsertionOrder(t *testing.T) {
	b := NewBlock()
	b.AddString("z", "last-alphabetically")
	b.AddBool("a", true)
	b.AddInt("m", 42)

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, `{"z":"last-alphabetically","a":true,"m":42}`, string(data))
}

func TestBlock_ReplaceKeepsPosition(t *testing.T) {
	b := NewBlock()
	b.AddInt("first", 1)
	b.AddInt("second", 2)
	b.AddInt("first", 3)

	assert.Equal(t, []string{"first", "second"}, b.Keys())
	v, ok := b.Get("first")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)
}

func TestBlock_NestedAndMerge(t *testing.T) {
	inner := NewBlock()
	inner.AddFloat("ratio", 0.5)

	b := NewBlock()
	b.AddBlock("inner", inner)

	other := NewBlock()
	other.AddString("extra", "x")
	b.Merge(other)

	assert.Equal(t, `{"inner":{"ratio":0.5},"extra":"x"}`, b.String())
}

func TestBlock_NonFiniteFloats(t *testing.T) {
	b := NewBlock()
	b.AddFloat("nan", math.NaN())
	b.AddFloat("inf", math.Inf(1))

	assert.Equal(t, `{"nan":null,"inf":null}`, b.String())
}
