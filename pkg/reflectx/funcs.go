package reflectx

import (
	"reflect"
	"runtime"
	"strings"
)

// IsFunction reports whether fn is a function value.
func IsFunction(fn any) bool {
	if fn == nil {
		return false
	}
	return reflect.TypeOf(fn).Kind() == reflect.Func
}

// FunctionName derives a usable name for a function value: the type name
// for named function types, otherwise the trailing element of the runtime
// symbol name.
func FunctionName(fn any) string {
	if !IsFunction(fn) {
		return ""
	}

	val := reflect.ValueOf(fn)
	typ := val.Type()

	if typ.Name() != "" {
		return typ.String()
	}

	if rf := runtime.FuncForPC(val.Pointer()); rf != nil {
		name := rf.Name()
		if lastDot := strings.LastIndex(name, "."); lastDot >= 0 {
			name = strings.TrimSuffix(name[lastDot+1:], "-fm")
		}
		return name
	}
	return typ.String()
}
