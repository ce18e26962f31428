// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package utils contains small helpers shared by all other packages.
package utils

import (
	"time"

	"github.com/goccy/go-json"
)

// Extend copies all keys of the sources into dst, later sources win. A nil
// dst is allocated. The returned map is dst.
func Extend(dst map[string]interface{}, sources ...map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{})
	}
	for _, src := range sources {
		for k, v := range src {
			dst[k] = v
		}
	}
	return dst
}

// Clone returns a shallow copy of m. The copy of a nil map is an empty map.
func Clone(m map[string]interface{}) map[string]interface{} {
	return Extend(nil, m)
}

// ToMap converts a struct or map into a map by its JSON representation.
// Field names are the JSON property names, omitempty fields that are empty
// do not appear in the result.
func ToMap(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return Clone(m), nil
	}
	if m, ok := v.(map[string]string); ok {
		result := make(map[string]interface{}, len(m))
		for k, s := range m {
			result[k] = s
		}
		return result, nil
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{}
	if err = json.Unmarshal(j, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SafeString returns the value from ptr or "" if the pointer is nil
func SafeString(ptr *string) string {
	if ptr != nil {
		return *ptr
	}
	return ""
}

// StringPtr returns a pointer to the string passed as parameter
func StringPtr(str string) *string {
	return &str
}

// IntPtr returns a pointer to the int passed as parameter
func IntPtr(d int) *int {
	return &d
}

// SafeInt returns the value from ptr or 0 if the pointer is nil
func SafeInt(ptr *int) int {
	if ptr != nil {
		return *ptr
	}
	return 0
}

// TimePtr returns a pointer to a t
func TimePtr(t time.Time) *time.Time {
	return &t
}

// SafeTime returns the value from t or time.Time{} if the pointer is nil
func SafeTime(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Time{}
}
