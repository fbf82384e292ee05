package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Event is an immutable named payload exchanged between biotes.
// Events are values and may be shared between goroutines without copying.
type Event struct {
	name string
	data Data
}

// NewEvent creates an event from a name and frozen data.
func NewEvent(name string, data Data) Event {
	return Event{name: name, data: data}
}

// NewSignal creates an event that carries no data.
func NewSignal(name string) Event {
	return Event{name: name}
}

// NewEventFromMap creates an event whose data is a frozen copy of m.
// Keys are ordered lexically.
func NewEventFromMap(name string, m map[string]any) Event {
	return Event{name: name, data: DataFromMap(m)}
}

// Name returns the event name.
func (e Event) Name() string {
	return e.name
}

// Data returns the event payload.
func (e Event) Data() Data {
	return e.data
}

// With returns a copy of the event with key set to value.
func (e Event) With(key string, value any) Event {
	return Event{name: e.name, data: e.data.With(key, value)}
}

// Rename returns a copy of the event carrying the same data under a new name.
func (e Event) Rename(name string) Event {
	return Event{name: name, data: e.data}
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if e.data.Len() == 0 {
		return e.name
	}
	return fmt.Sprintf("%s%s", e.name, e.data.String())
}

// Data is an immutable, insertion-ordered key/value map.
// The zero value is an empty map.
type Data struct {
	keys   []string
	values map[string]any
}

// DataFromMap freezes a copy of m. Keys are ordered lexically.
func DataFromMap(m map[string]any) Data {
	if len(m) == 0 {
		return Data{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := NewDataBuilder()
	for _, k := range keys {
		b.Set(k, m[k])
	}
	return b.Build()
}

// Len returns the number of keys.
func (d Data) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d Data) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Has reports whether key is present.
func (d Data) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// Get returns the raw value stored under key.
func (d Data) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// GetString returns a string value.
func (d Data) GetString(key string) (string, bool) {
	v, ok := d.values[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

// GetInt returns an integer value. Integral floats and json.Number are accepted.
func (d Data) GetInt(key string) (int64, bool) {
	v, ok := d.values[key]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// GetFloat returns a numeric value as float64.
func (d Data) GetFloat(key string) (float64, bool) {
	v, ok := d.values[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// GetBool returns a boolean value.
func (d Data) GetBool(key string) (bool, bool) {
	v, ok := d.values[key].(bool)
	return v, ok
}

// GetID returns a biote id stored under key.
func (d Data) GetID(key string) (BioteID, bool) {
	n, ok := d.GetInt(key)
	if !ok || n < 0 || n > math.MaxUint32 {
		return NoBiote, false
	}
	return BioteID(n), true
}

// GetData returns a nested map.
func (d Data) GetData(key string) (Data, bool) {
	v, ok := d.values[key].(Data)
	return v, ok
}

// With returns a copy of d with key set to value.
func (d Data) With(key string, value any) Data {
	b := NewDataBuilder()
	for _, k := range d.keys {
		b.Set(k, d.values[k])
	}
	b.Set(key, value)
	return b.Build()
}

// Map returns a mutable deep copy of d.
func (d Data) Map() map[string]any {
	out := make(map[string]any, len(d.keys))
	for _, k := range d.keys {
		out[k] = thaw(d.values[k])
	}
	return out
}

// String implements fmt.Stringer.
func (d Data) String() string {
	raw, err := d.MarshalJSON()
	if err != nil {
		return "{?}"
	}
	return string(raw)
}

// MarshalJSON encodes d as a JSON object preserving key order.
func (d Data) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into d. Numbers are kept as json.Number.
func (d *Data) UnmarshalJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*d = DataFromMap(m)
	return nil
}

// DataBuilder accumulates key/value pairs before freezing them into Data.
type DataBuilder struct {
	keys   []string
	values map[string]any
}

// NewDataBuilder creates an empty builder.
func NewDataBuilder() *DataBuilder {
	return &DataBuilder{values: make(map[string]any)}
}

// Set stores value under key. Re-setting a key keeps its original position.
func (b *DataBuilder) Set(key string, value any) *DataBuilder {
	if _, exists := b.values[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[key] = freeze(value)
	return b
}

// Build returns the frozen data. The builder may continue to be used.
func (b *DataBuilder) Build() Data {
	if len(b.keys) == 0 {
		return Data{}
	}
	keys := make([]string, len(b.keys))
	copy(keys, b.keys)
	values := make(map[string]any, len(b.values))
	for k, v := range b.values {
		values[k] = v
	}
	return Data{keys: keys, values: values}
}

// freeze converts mutable containers into immutable equivalents.
func freeze(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return DataFromMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = freeze(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []int:
		return append([]int(nil), x...)
	case []int64:
		return append([]int64(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}

// thaw is the inverse of freeze.
func thaw(v any) any {
	switch x := v.(type) {
	case Data:
		return x.Map()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = thaw(x[i])
		}
		return out
	default:
		return freeze(v)
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case BioteID:
		return int64(n), true
	case TimerID:
		return int64(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatToInt(f)
		}
		return 0, false
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		if i, ok := toInt(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}
