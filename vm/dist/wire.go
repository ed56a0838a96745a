package dist

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode is canonical so equal bundles encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// HashModule returns the content hash of serialized module bytes.
func HashModule(module []byte) [32]byte {
	return sha256.Sum256(module)
}

// MarshalChunk serializes a Chunk to CBOR bytes.
func MarshalChunk(c *Chunk) ([]byte, error) {
	return cborEncMode.Marshal(c)
}

// UnmarshalChunk deserializes a Chunk from CBOR bytes.
func UnmarshalChunk(data []byte) (*Chunk, error) {
	var c Chunk
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("dist: unmarshal chunk: %w", err)
	}
	return &c, nil
}

// MarshalBundle serializes a Bundle to CBOR bytes.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

// UnmarshalBundle deserializes a Bundle and checks its version. It does
// not verify hashes; call Verify for that.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("dist: unmarshal bundle: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("bundle version %d: %w", b.Version, ErrUnsupported)
	}
	return &b, nil
}

// VerifyChunk checks that a chunk's declared hash matches its module bytes.
func VerifyChunk(c *Chunk) error {
	if computed := HashModule(c.Module); computed != c.Hash {
		return fmt.Errorf("chunk %s: declared %x, computed %x: %w", c.Name, c.Hash[:8], computed[:8], ErrHashMismatch)
	}
	return nil
}

// Verify checks every chunk hash, that the entry is present, and that each
// dependency is another chunk or one of the names in provided (programs
// the host loads itself, such as the built-ins).
func (b *Bundle) Verify(provided ...string) error {
	have := make(map[string]bool, len(b.Chunks)+len(provided))
	for _, c := range b.Chunks {
		if have[c.Name] {
			return fmt.Errorf("chunk %s appears twice: %w", c.Name, ErrDuplicateChunk)
		}
		have[c.Name] = true
	}
	for _, name := range provided {
		have[name] = true
	}
	for i := range b.Chunks {
		c := &b.Chunks[i]
		if err := VerifyChunk(c); err != nil {
			return err
		}
		for _, dep := range c.Dependencies {
			if !have[dep] {
				return fmt.Errorf("chunk %s needs %s: %w", c.Name, dep, ErrMissingDependency)
			}
		}
	}
	if b.Entry != "" {
		if _, ok := b.Lookup(b.Entry); !ok {
			return fmt.Errorf("entry %s: %w", b.Entry, ErrChunkNotFound)
		}
	}
	return nil
}
