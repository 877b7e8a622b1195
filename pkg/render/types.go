package render

import (
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

type RenderData struct {
	Funcs template.FuncMap
	Data  map[string]interface{}
}

// MakeRenderData returns empty render data with the universal functions
// registered.
func MakeRenderData() RenderData {
	return RenderData{
		Funcs: template.FuncMap{},
		Data:  map[string]interface{}{},
	}
}

// funcs is the function map every template gets: sprig first, then the
// local helpers, then the caller's functions.
func (d RenderData) funcs() template.FuncMap {
	out := sprig.TxtFuncMap()
	out["getOr"] = getOr
	out["isSet"] = isSet
	for k, v := range d.Funcs {
		out[k] = v
	}
	return out
}

// getOr returns the value of m[key] if it exists, fallback otherwise.
// As a special case, it also returns fallback if the value of m[key] is
// the empty string
func getOr(m map[string]interface{}, key, fallback string) interface{} {
	val, ok := m[key]
	if !ok {
		return fallback
	}

	s, ok := val.(string)
	if ok && s == "" {
		return fallback
	}

	return val
}

// isSet returns the value of m[key] if key exists, otherwise false
// Different from getOr because it will return zero values.
func isSet(m map[string]interface{}, key string) interface{} {
	val, ok := m[key]
	if !ok {
		return false
	}
	return val
}
