package dist

import (
	"errors"
	"testing"
)

func nativeBundle(natives ...string) *Bundle {
	return &Bundle{
		Version: BundleVersion,
		Chunks: []Chunk{
			{Name: "a", Natives: natives},
			{Name: "b", Natives: natives},
		},
	}
}

func TestPermissivePolicy(t *testing.T) {
	p := NewPermissivePolicy()
	if err := p.Check(nativeBundle("void host_exec(string)", "int32 host_now()")); err != nil {
		t.Errorf("permissive policy should allow all: %v", err)
	}
	var none *NativePolicy
	if err := none.Check(nativeBundle("void host_exec(string)")); err != nil {
		t.Errorf("nil policy should allow all: %v", err)
	}
}

func TestRestrictedPolicy(t *testing.T) {
	p := NewRestrictedPolicy([]string{"int32 host_now()"})

	if err := p.Check(nativeBundle("int32 host_now()")); err != nil {
		t.Errorf("allowed native rejected: %v", err)
	}
	if err := p.Check(nativeBundle("int32 host_now()", "void host_exec(string)")); !errors.Is(err, ErrNativeDenied) {
		t.Errorf("err = %v, want ErrNativeDenied", err)
	}
	if err := p.Check(nativeBundle()); err != nil {
		t.Errorf("bundle without natives: %v", err)
	}
}

func TestDeny(t *testing.T) {
	p := NewPermissivePolicy()
	p.Deny("void host_exec(string)")

	if err := p.Check(nativeBundle("int32 host_now()")); err != nil {
		t.Errorf("unrelated native rejected: %v", err)
	}
	if err := p.Check(nativeBundle("void host_exec(string)")); !errors.Is(err, ErrNativeDenied) {
		t.Errorf("err = %v, want ErrNativeDenied", err)
	}
}

func TestBundleNativesDeduplicated(t *testing.T) {
	b := nativeBundle("x f()", "y g()")
	if got := b.Natives(); len(got) != 2 || got[0] != "x f()" || got[1] != "y g()" {
		t.Errorf("Natives = %v", got)
	}
}
