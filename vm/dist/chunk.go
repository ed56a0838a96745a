// Package dist implements module bundles: a set of serialized Xenon
// modules packed as content-addressed chunks in one CBOR document, so a
// program and its dependencies can be shipped and loaded as a unit.
package dist

import "errors"

// BundleVersion is the bundle format version written by this package.
const BundleVersion = 1

var (
	ErrHashMismatch      = errors.New("dist: chunk hash mismatch")
	ErrChunkNotFound     = errors.New("dist: chunk not found")
	ErrMissingDependency = errors.New("dist: missing dependency")
	ErrNativeDenied      = errors.New("dist: native function not allowed")
	ErrUnsupported       = errors.New("dist: unsupported bundle version")
	ErrDuplicateChunk    = errors.New("dist: duplicate chunk")
)

// Chunk is one serialized module. Hash is the SHA-256 of Module.
type Chunk struct {
	Hash         [32]byte `cbor:"1,keyasint"`
	Name         string   `cbor:"2,keyasint"`
	Module       []byte   `cbor:"3,keyasint"`
	Dependencies []string `cbor:"4,keyasint,omitempty"` // program names
	Natives      []string `cbor:"5,keyasint,omitempty"` // native signatures the host must bind
}

// Bundle is an ordered set of chunks. Chunks appear dependencies first
// unless programs depend on each other cyclically.
type Bundle struct {
	Version uint8   `cbor:"1,keyasint"`
	Entry   string  `cbor:"2,keyasint"`
	Chunks  []Chunk `cbor:"3,keyasint"`
}

// Lookup returns the chunk for a program name.
func (b *Bundle) Lookup(name string) (*Chunk, bool) {
	for i := range b.Chunks {
		if b.Chunks[i].Name == name {
			return &b.Chunks[i], true
		}
	}
	return nil, false
}

// Names returns the chunk names in bundle order.
func (b *Bundle) Names() []string {
	names := make([]string, len(b.Chunks))
	for i, c := range b.Chunks {
		names[i] = c.Name
	}
	return names
}

// Natives returns every native signature any chunk requires, deduplicated,
// in first-seen order.
func (b *Bundle) Natives() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range b.Chunks {
		for _, sig := range c.Natives {
			if !seen[sig] {
				seen[sig] = true
				out = append(out, sig)
			}
		}
	}
	return out
}
