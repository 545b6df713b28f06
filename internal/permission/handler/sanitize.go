package handler

import (
	"reflect"
	"strings"
)

// sanitize trims surrounding whitespace from the exported string fields of
// the struct v points to.
func sanitize(v any) {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Pointer || val.IsNil() || val.Elem().Kind() != reflect.Struct {
		return
	}
	val = val.Elem()
	for i := range val.NumField() {
		if f := val.Field(i); f.Kind() == reflect.String && f.CanSet() {
			f.SetString(strings.TrimSpace(f.String()))
		}
	}
}
