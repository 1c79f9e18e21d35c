// Package nilcheck detects nil interface values, including typed nils hidden
// behind non-nil interface headers.
package nilcheck

import "reflect"

// Interface reports whether value is nil. A typed nil pointer stored in an
// interface compares non-nil with ==, so the check goes through reflection.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
