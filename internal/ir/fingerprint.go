package ir

import (
	_ "crypto/sha256" // digest.Canonical
	"encoding/json"

	"github.com/opencontainers/go-digest"
)

// Fingerprint returns a content digest of the fusion: values, ops, axes and
// the input/output lists. Fusions with equal fingerprints segment identically.
func Fingerprint(f *Fusion) digest.Digest {
	data, err := json.Marshal(f.ToJSON())
	if err != nil {
		// ToJSON only produces strings, ints and slices of them.
		panic(err)
	}
	return digest.FromBytes(data)
}
