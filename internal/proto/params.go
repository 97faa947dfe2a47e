package proto

import (
	"fmt"
	"sort"
)

// Params: named object fields. Wire values are int64, string, []byte or bool.
type Params map[string]any

// Int64 returns an integer param (int, int32 and int64 accepted).
func (p Params) Int64(name string) (int64, bool) {
	switch v := p[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	}
	return 0, false
}

// Int like Int64, narrowed.
func (p Params) Int(name string) (int, bool) {
	v, ok := p.Int64(name)
	return int(v), ok
}

// Bytes returns a []byte param.
func (p Params) Bytes(name string) ([]byte, bool) {
	v, ok := p[name].([]byte)
	return v, ok
}

// String returns a string param.
func (p Params) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

// Bool returns a bool param.
func (p Params) Bool(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

// Clone shallow copy; nil stays nil.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Params) sortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks every value has a wire type.
func (p Params) Validate() error {
	for k, v := range p {
		switch v.(type) {
		case int, int32, int64, string, []byte, bool:
		default:
			return fmt.Errorf("%w: %s has type %T", ErrInvalidParam, k, v)
		}
	}
	return nil
}
