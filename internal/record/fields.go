package record

import (
	"encoding/json"
	"math"
)

// fields is a decoded JSON object. Absent keys and JSON null are treated
// the same; a present key with the wrong primitive type never validates.
type fields map[string]any

func (f fields) has(key string) bool {
	v, ok := f[key]
	return ok && v != nil
}

func (f fields) str(key string) (string, bool) {
	s, ok := f[key].(string)
	return s, ok
}

func (f fields) optStr(key string) bool {
	if !f.has(key) {
		return true
	}
	_, ok := f.str(key)
	return ok
}

func (f fields) optBool(key string) bool {
	if !f.has(key) {
		return true
	}
	_, ok := f[key].(bool)
	return ok
}

func (f fields) num(key string) (int64, bool) {
	n, ok := f[key].(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	v, err := n.Float64()
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int64(v), true
}

func (f fields) optNum(key string) bool {
	if !f.has(key) {
		return true
	}
	_, ok := f.num(key)
	return ok
}

func (f fields) object(key string) (fields, bool) {
	m, ok := f[key].(map[string]any)
	return fields(m), ok
}

func (f fields) strOr(key string) string {
	s, _ := f.str(key)
	return s
}

func (f fields) boolOr(key string) bool {
	b, _ := f[key].(bool)
	return b
}

func (f fields) numOr(key string) int64 {
	n, _ := f.num(key)
	return n
}
