package vm

import "github.com/hashicorp/go-multierror"

// Scope owns external references and exposes all of them on Close.
//
//	scope := vm.NewScope()
//	defer scope.Close()
//	s := scope.Add(vm.NewString("hello"))
type Scope struct {
	vm     *VM
	values []*Value
}

// NewScope creates an empty scope.
func (vm *VM) NewScope() *Scope {
	return &Scope{vm: vm}
}

// Add transfers ownership of v's reference to the scope and returns v.
func (s *Scope) Add(v *Value) *Value {
	if v != nil && v.kind != ValueNull {
		s.values = append(s.values, v)
	}
	return v
}

// AddErr is Add for the (value, error) returning factories.
func (s *Scope) AddErr(v *Value, err error) (*Value, error) {
	if err != nil {
		return nil, err
	}
	return s.Add(v), nil
}

// Close exposes every owned value. It is safe to call more than once.
func (s *Scope) Close() error {
	var result *multierror.Error
	for _, v := range s.values {
		if err := s.vm.GcExpose(v); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.values = nil
	return result.ErrorOrNil()
}
