package dist

import "fmt"

// NativePolicy controls which native functions a bundle may declare. The
// host binds natives, so a bundle that declares one the host does not
// offer would fail at its first call; the policy rejects it at load time
// instead. A nil Allowed set means "allow all".
type NativePolicy struct {
	Allowed map[string]bool // nil = allow all
	Denied  map[string]bool
}

// NewPermissivePolicy creates a policy that allows every native.
func NewPermissivePolicy() *NativePolicy {
	return &NativePolicy{}
}

// NewRestrictedPolicy creates a policy that only allows the given native
// signatures.
func NewRestrictedPolicy(allowed []string) *NativePolicy {
	m := make(map[string]bool, len(allowed))
	for _, sig := range allowed {
		m[sig] = true
	}
	return &NativePolicy{Allowed: m}
}

// Check verifies that every native the bundle declares is allowed. A nil
// policy allows everything.
func (p *NativePolicy) Check(b *Bundle) error {
	if p == nil {
		return nil
	}
	for _, sig := range b.Natives() {
		if p.Denied[sig] {
			return fmt.Errorf("native %q is explicitly denied: %w", sig, ErrNativeDenied)
		}
		if p.Allowed != nil && !p.Allowed[sig] {
			return fmt.Errorf("native %q is not allowed: %w", sig, ErrNativeDenied)
		}
	}
	return nil
}

// Deny adds a native signature to the deny list.
func (p *NativePolicy) Deny(sig string) {
	if p.Denied == nil {
		p.Denied = make(map[string]bool)
	}
	p.Denied[sig] = true
}
