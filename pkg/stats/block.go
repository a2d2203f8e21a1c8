package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Block is an ordered set of statistics. Keys keep their insertion order in
// the JSON rendering; adding an existing key replaces its value in place.
type Block struct {
	keys   []string
	values map[string]any
}

// NewBlock creates an empty Block.
func NewBlock() *Block {
	return &Block{values: make(map[string]any)}
}

func (b *Block) put(key string, value any) {
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
}

// AddString adds a string value.
func (b *Block) AddString(key, value string) { b.put(key, value) }

// AddBool adds a boolean value.
func (b *Block) AddBool(key string, value bool) { b.put(key, value) }

// AddInt adds an integer value.
func (b *Block) AddInt(key string, value int64) { b.put(key, value) }

// AddFloat adds a floating point value. NaN and infinities render as null.
func (b *Block) AddFloat(key string, value float64) { b.put(key, value) }

// AddBlock nests another block under key.
func (b *Block) AddBlock(key string, value *Block) { b.put(key, value) }

// Merge appends all entries of other, in order.
func (b *Block) Merge(other *Block) {
	for _, k := range other.keys {
		b.put(k, other.values[k])
	}
}

// Keys returns the keys in insertion order.
func (b *Block) Keys() []string {
	keys := make([]string, len(b.keys))
	copy(keys, b.keys)
	return keys
}

// Get returns the value stored under key.
func (b *Block) Get(key string) (any, bool) {
	v, ok := b.values[key]
	return v, ok
}

// MarshalJSON renders the block as a JSON object preserving key order.
func (b *Block) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := marshalValue(b.values[k])
		if err != nil {
			return nil, fmt.Errorf("stats key %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return []byte("null"), nil
		}
		return strconv.AppendFloat(nil, val, 'g', -1, 64), nil
	case *Block:
		return val.MarshalJSON()
	default:
		return json.Marshal(val)
	}
}

// String returns the JSON rendering, for logging.
func (b *Block) String() string {
	data, err := b.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid stats: %v>", err)
	}
	return string(data)
}
