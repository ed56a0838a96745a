package vm

import (
	"cmp"
	"strings"

	"github.com/zeebo/xxh3"
)

func hashString(s string) uint64 {
	return xxh3.HashString(s)
}

// Equal reports natural equality. Values of different kinds are never
// equal. Numbers compare by value with NaN equal to NaN, strings by
// content, containers element-wise with objects also matching by schema
// name, functions by identity and natives through OnTestEqual (or
// OnTestLessThan when only that hook is set). Equal(a, b) holds exactly
// when Compare(a, b) == 0, provided a native's two hooks agree.
func Equal(a, b *Value) bool {
	return equalDepth(a, b, 0)
}

func equalDepth(a, b *Value, depth int) bool {
	if a == b {
		return true
	}
	ka, kb := a.Type(), b.Type()
	if ka != kb {
		return false
	}
	switch {
	case ka == ValueNull:
		return true
	case ka.IsFloat():
		return cmp.Compare(a.asFloat64(), b.asFloat64()) == 0
	case ka.IsPrimitive():
		return a.bits == b.bits
	case ka == ValueString:
		return a.str == b.str || a.str.text == b.str.text
	case ka == ValueFunction:
		return a.fn == b.fn
	case ka == ValueNative:
		if f := a.nat.vtable.OnTestEqual; f != nil {
			return f(a.nat.payload, b.nat.payload)
		}
		if less := a.nat.vtable.OnTestLessThan; less != nil {
			return !less(a.nat.payload, b.nat.payload) && !less(b.nat.payload, a.nat.payload)
		}
		return a.nat == b.nat
	}
	if depth > maxFormatDepth {
		return false
	}
	if ka == ValueObject {
		if a.obj.schema.Name != b.obj.schema.Name {
			return false
		}
		return equalSlices(a.obj.members, b.obj.members, depth)
	}
	return equalSlices(a.arr.items, b.arr.items, depth)
}

func equalSlices(a, b []*Value, depth int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalDepth(a[i], b[i], depth+1) {
			return false
		}
	}
	return true
}

// Compare orders two values: -1, 0 or +1. Different kinds order by
// ValueType. The order is total over values without natives lacking an
// OnTestLessThan hook.
func Compare(a, b *Value) int {
	return compareDepth(a, b, 0)
}

func compareDepth(a, b *Value, depth int) int {
	if a == b {
		return 0
	}
	ka, kb := a.Type(), b.Type()
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch {
	case ka == ValueNull:
		return 0
	case ka.IsSigned():
		return cmp.Compare(int64(a.bits), int64(b.bits))
	case ka.IsUnsigned(), ka == ValueBool:
		return cmp.Compare(a.bits, b.bits)
	case ka.IsFloat():
		return cmp.Compare(a.asFloat64(), b.asFloat64())
	case ka == ValueString:
		return strings.Compare(a.str.text, b.str.text)
	case ka == ValueFunction:
		if c := strings.Compare(a.fn.Signature(), b.fn.Signature()); c != 0 {
			return c
		}
		return cmp.Compare(a.fn.serial, b.fn.serial)
	case ka == ValueNative:
		if eq := a.nat.vtable.OnTestEqual; eq != nil && eq(a.nat.payload, b.nat.payload) {
			return 0
		}
		if less := a.nat.vtable.OnTestLessThan; less != nil {
			switch {
			case less(a.nat.payload, b.nat.payload):
				return -1
			case less(b.nat.payload, a.nat.payload):
				return 1
			}
			return 0
		}
		return cmp.Compare(a.gc.id, b.gc.id)
	}
	if depth > maxFormatDepth {
		return cmp.Compare(a.gc.id, b.gc.id)
	}
	if ka == ValueObject {
		if c := strings.Compare(a.obj.schema.Name, b.obj.schema.Name); c != 0 {
			return c
		}
		return compareSlices(a.obj.members, b.obj.members, depth)
	}
	return compareSlices(a.arr.items, b.arr.items, depth)
}

func compareSlices(a, b []*Value, depth int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareDepth(a[i], b[i], depth+1); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}
