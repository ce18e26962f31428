// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package uritemplate expands RFC 6570 URI templates like

	articles/{id}/{?embed,fields}
	articles/{?searchQuery,page,rpp,sort,embed,fields}

against a parameter map. Parameters that are missing from the map, or nil,
are undefined in the sense of RFC 6570 and their expression is dropped from
the result, so a template never leaks literal braces.

The route builder only depends on the Expander interface; Default() is the
expander used unless another one is configured.
*/
package uritemplate

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/yosida95/uritemplate/v3"
)

// Expander expands a URI template with a parameter map
type Expander interface {
	Expand(template string, params map[string]interface{}) (string, error)
}

// ExpanderFunc adapts a plain function to an Expander
type ExpanderFunc func(template string, params map[string]interface{}) (string, error)

// Expand calls f
func (f ExpanderFunc) Expand(template string, params map[string]interface{}) (string, error) {
	return f(template, params)
}

// Engine is an Expander which caches parsed templates. It is safe for
// concurrent use.
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*uritemplate.Template
}

// NewEngine returns a new, empty engine
func NewEngine() *Engine {
	return &Engine{templates: make(map[string]*uritemplate.Template)}
}

var defaultEngine = NewEngine()

// Default returns the shared default engine
func Default() *Engine {
	return defaultEngine
}

func (e *Engine) compile(template string) (*uritemplate.Template, error) {
	e.mu.RLock()
	t, ok := e.templates[template]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := uritemplate.New(template)
	if err != nil {
		return nil, fmt.Errorf("invalid uri template '%s': %w", template, err)
	}
	e.mu.Lock()
	e.templates[template] = t
	e.mu.Unlock()
	return t, nil
}

// Varnames returns the names of all variables used in template
func (e *Engine) Varnames(template string) ([]string, error) {
	t, err := e.compile(template)
	if err != nil {
		return nil, err
	}
	return t.Varnames(), nil
}

// Expand expands template with params.
func (e *Engine) Expand(template string, params map[string]interface{}) (string, error) {
	t, err := e.compile(template)
	if err != nil {
		return "", err
	}
	values := uritemplate.Values{}
	for name, param := range params {
		if value, ok := toValue(param); ok {
			values.Set(name, value)
		}
	}
	return t.Expand(values)
}

// toValue converts a parameter into a template value. The second return value
// is false for undefined parameters.
func toValue(param interface{}) (uritemplate.Value, bool) {
	switch p := param.(type) {
	case nil:
		return uritemplate.Value{}, false
	case string:
		return uritemplate.String(p), true
	case []string:
		if len(p) == 0 {
			return uritemplate.Value{}, false
		}
		return uritemplate.List(p...), true
	case map[string]string:
		if len(p) == 0 {
			return uritemplate.Value{}, false
		}
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]string, 0, 2*len(p))
		for _, k := range keys {
			kv = append(kv, k, p[k])
		}
		return uritemplate.KV(kv...), true
	case time.Time:
		return uritemplate.String(p.Format(time.RFC3339)), true
	case fmt.Stringer:
		if v := reflect.ValueOf(p); v.Kind() == reflect.Ptr && v.IsNil() {
			return uritemplate.Value{}, false
		}
		return uritemplate.String(p.String()), true
	}

	v := reflect.ValueOf(param)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return uritemplate.Value{}, false
		}
		return toValue(v.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return uritemplate.Value{}, false
		}
		list := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			list = append(list, fmt.Sprint(v.Index(i).Interface()))
		}
		return uritemplate.List(list...), true
	}
	return uritemplate.String(fmt.Sprint(param)), true
}
