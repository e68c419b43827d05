//go:build windows

package trampoline

import (
	"fmt"
	"reflect"
	"syscall"
)

// WrapFunction returns a Go func of type T that calls the native function at
// funcAddress. T may take integer and pointer arguments and return at most one
// integer.
func WrapFunction[T any](funcAddress uintptr) (T, error) {
	var zero T
	funcType := reflect.TypeOf(zero)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return zero, fmt.Errorf("wrap %#x: %v is not a function type", funcAddress, funcType)
	}
	if funcType.NumOut() > 1 {
		return zero, fmt.Errorf("wrap %#x: too many return values", funcAddress)
	}
	for i := 0; i < funcType.NumIn(); i++ {
		if !nativeKind(funcType.In(i).Kind()) {
			return zero, fmt.Errorf("wrap %#x: unsupported argument type %v", funcAddress, funcType.In(i))
		}
	}
	if funcType.NumOut() == 1 && !integerKind(funcType.Out(0).Kind()) {
		return zero, fmt.Errorf("wrap %#x: unsupported return type %v", funcAddress, funcType.Out(0))
	}

	fn := reflect.MakeFunc(funcType, func(args []reflect.Value) []reflect.Value {
		syscallArgs := make([]uintptr, 0, len(args))
		for _, arg := range args {
			switch k := arg.Kind(); {
			case k == reflect.Pointer || k == reflect.UnsafePointer:
				syscallArgs = append(syscallArgs, arg.Pointer())
			case k >= reflect.Uint && k <= reflect.Uintptr:
				syscallArgs = append(syscallArgs, uintptr(arg.Uint()))
			default:
				syscallArgs = append(syscallArgs, uintptr(arg.Int()))
			}
		}

		ret, _, _ := syscall.SyscallN(funcAddress, syscallArgs...)

		if funcType.NumOut() == 0 {
			return nil
		}
		val := reflect.New(funcType.Out(0)).Elem()
		if k := val.Kind(); k >= reflect.Uint && k <= reflect.Uintptr {
			val.SetUint(uint64(ret))
		} else {
			val.SetInt(int64(int32(ret)))
		}
		return []reflect.Value{val}
	})
	return fn.Interface().(T), nil
}

func integerKind(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Int64) || (k >= reflect.Uint && k <= reflect.Uintptr)
}

func nativeKind(k reflect.Kind) bool {
	return integerKind(k) || k == reflect.Pointer || k == reflect.UnsafePointer
}
