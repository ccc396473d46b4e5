package ir

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// MarshalCanonical produces RFC 8785 canonical JSON for hashing.
// This is the only serialization used for fingerprint computation.
//
// Values are encoded with encoding/json first so struct tags apply, then
// transformed by the JCS canonicalizer (sorted keys, no insignificant
// whitespace, ES6 number formatting).
func MarshalCanonical(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical pre-marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical transform: %w", err)
	}
	return out, nil
}
