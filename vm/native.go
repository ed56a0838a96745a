package vm

import "fmt"

// NativeVTable holds the embedder's callbacks for a native value. Every
// callback is optional.
//
// OnDestruct is invoked exactly once, by the collector, after the value
// became unreachable. It runs outside the heap lock and may call back into
// the VM.
type NativeVTable struct {
	OnCopy         func(payload any) any
	OnDestruct     func(payload any)
	OnTestEqual    func(a, b any) bool
	OnTestLessThan func(a, b any) bool
}

type nativeData struct {
	payload   any
	vtable    NativeVTable
	owner     *nativeOwner
	destroyed bool
}

// nativeOwner counts the values sharing one payload. Copies made without
// OnCopy share their original's owner, and the destructor runs when the
// last of them is swept. refs is guarded by heap.mu.
type nativeOwner struct {
	refs int
}

// NewNative wraps an opaque embedder payload. The VM never looks inside it.
func (vm *VM) NewNative(payload any, vtable NativeVTable) *Value {
	n := &nativeData{payload: payload, vtable: vtable, owner: &nativeOwner{refs: 1}}
	v := &Value{kind: ValueNative, vm: vm, nat: n}
	vm.heap.mu.Lock()
	vm.heap.track(v)
	vm.heap.pin(v)
	vm.heap.mu.Unlock()
	return v
}

// releaseNative drops v's claim on its payload and reports whether it was
// the last one. Caller holds heap.mu.
func releaseNative(v *Value) bool {
	o := v.nat.owner
	o.refs--
	return o.refs == 0
}

// destroyNative runs the destructor of a swept native value once.
func (vm *VM) destroyNative(v *Value) {
	n := v.nat
	if n == nil || n.destroyed {
		return
	}
	n.destroyed = true
	if n.vtable.OnDestruct == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			vm.report(MessageError, "native destructor for %T panicked: %v", n.payload, r)
		}
	}()
	n.vtable.OnDestruct(n.payload)
}

func (n *nativeData) String() string {
	return fmt.Sprintf("native(%T)", n.payload)
}
