package graph

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "array"
	case KindMap:
		return "object"
	}
	return "unknown"
}

// Value is one node of a property tree: null, bool, number, string, list or
// map. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

// Map copies m into a map Value.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Equal compares two trees structurally. Numbers compare by value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, a := range v.m {
			b, ok := o.m[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Any converts the tree to plain Go values (nil, bool, float64, string,
// []any, map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Any()
		}
		return out
	}
	return nil
}

// FromAny converts decoded JSON (or equivalent Go values) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return numberValue(t)
	case float32:
		return numberValue(float64(t))
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return numberValue(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{kind: KindMap, m: m}, nil
	}
	return Value{}, fmt.Errorf("unsupported property value of type %T", x)
}

func numberValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, errors.New("property numbers must be finite")
	}
	return Number(f), nil
}

// MarshalJSON writes the canonical encoding: map keys sorted, shortest
// number form.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return errors.New("property numbers must be finite")
		}
		buf.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		return encodeMap(buf, v.m)
	}
	return nil
}

func encodeMap(buf *bytes.Buffer, m map[string]Value) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := m[k].encode(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON decodes any JSON document into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Properties is the top-level property map of an object or relationship.
type Properties map[string]Value

// PropertiesFromAny converts a decoded JSON object into Properties.
func PropertiesFromAny(m map[string]any) (Properties, error) {
	props := make(Properties, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		props[k] = v
	}
	return props, nil
}

// MarshalJSON writes the canonical encoding; a nil map encodes as {}.
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeMap(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	switch v.kind {
	case KindNull:
		*p = Properties{}
		return nil
	case KindMap:
		*p = Properties(v.m)
		return nil
	}
	return fmt.Errorf("properties must be a JSON object, got %s", v.kind)
}

// Value implements driver.Valuer for jsonb columns.
func (p Properties) Value() (driver.Value, error) {
	return p.MarshalJSON()
}

// Scan implements sql.Scanner for jsonb columns.
func (p *Properties) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*p = Properties{}
		return nil
	case []byte:
		return p.UnmarshalJSON(t)
	case string:
		return p.UnmarshalJSON([]byte(t))
	}
	return fmt.Errorf("cannot scan %T into Properties", src)
}

// Clone returns a shallow copy; Values are immutable so sharing them is safe.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal compares two property maps structurally.
func (p Properties) Equal(o Properties) bool {
	return Map(p).Equal(Map(o))
}

// Hash returns the sha256 digest of the canonical encoding.
func (p Properties) Hash() []byte {
	b, err := p.MarshalJSON()
	if err != nil {
		// Only non-finite numbers fail to encode and FromAny rejects those.
		panic(fmt.Sprintf("graph: encode properties: %v", err))
	}
	sum := sha256.Sum256(b)
	return sum[:]
}

// Merge applies a patch delta: keys in delta overwrite, a null value removes
// the key.
func (p Properties) Merge(delta Properties) Properties {
	out := p.Clone()
	for k, v := range delta {
		if v.IsNull() {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// At looks up the value at a top-level JSON pointer such as "/name".
func (p Properties) At(path string) (Value, bool) {
	key, ok := PathKey(path)
	if !ok {
		return Value{}, false
	}
	v, found := p[key]
	return v, found
}

// PathFor returns the JSON pointer of a top-level key.
func PathFor(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	key = strings.ReplaceAll(key, "/", "~1")
	return "/" + key
}

// PathKey reverses PathFor.
func PathKey(path string) (string, bool) {
	if !strings.HasPrefix(path, "/") {
		return "", false
	}
	key := path[1:]
	key = strings.ReplaceAll(key, "~1", "/")
	key = strings.ReplaceAll(key, "~0", "~")
	return key, true
}

// ChangeSummary records which top-level property paths a version changed
// relative to its predecessor.
type ChangeSummary struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Paths   []string `json:"paths"`
}

// Diff computes the change summary from old to next, or nil when they are
// equal.
func Diff(old, next Properties) *ChangeSummary {
	s := &ChangeSummary{}
	for k, nv := range next {
		ov, ok := old[k]
		switch {
		case !ok:
			s.Added = append(s.Added, k)
		case !ov.Equal(nv):
			s.Updated = append(s.Updated, k)
		}
	}
	for k := range old {
		if _, ok := next[k]; !ok {
			s.Removed = append(s.Removed, k)
		}
	}
	if len(s.Added)+len(s.Updated)+len(s.Removed) == 0 {
		return nil
	}
	sort.Strings(s.Added)
	sort.Strings(s.Updated)
	sort.Strings(s.Removed)
	for _, group := range [][]string{s.Added, s.Updated, s.Removed} {
		for _, k := range group {
			s.Paths = append(s.Paths, PathFor(k))
		}
	}
	sort.Strings(s.Paths)
	return s
}

// PathSet is a set of JSON pointers.
type PathSet map[string]struct{}

func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

func (s PathSet) Add(paths ...string) {
	for _, p := range paths {
		s[p] = struct{}{}
	}
}

func (s PathSet) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// SubsetOf reports whether every path of s is in o.
func (s PathSet) SubsetOf(o PathSet) bool {
	for p := range s {
		if !o.Has(p) {
			return false
		}
	}
	return true
}

// Sorted returns the paths in lexical order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
