// Package signature models marker gene lists. A signature names a set of
// features, each tagged positive or negative; negation is expressed on the
// wire as a single trailing '-' on the feature token and is parsed exactly
// once, here.
package signature

import (
	"sort"
	"strings"

	"github.com/cellsig/server/internal/errs"
)

// Marker is one signed feature reference.
type Marker struct {
	Feature  string `json:"feature"`
	Negative bool   `json:"negative,omitempty"`
}

// Signature is a named ordered list of markers.
type Signature struct {
	Name    string   `json:"name"`
	Markers []Marker `json:"markers"`
}

// Parse builds a signature from raw feature tokens. A token ending in '-'
// is a negative marker; the suffix is stripped from the identifier.
// Duplicates within one sign class are dropped silently, keeping the first
// occurrence. A signature must contain at least one positive marker.
func Parse(name string, tokens []string) (Signature, error) {
	if name == "" {
		return Signature{}, errs.Configf("signature has no name")
	}
	if len(tokens) == 0 {
		return Signature{}, errs.Configf("signature %q has no features", name)
	}

	seenPos := make(map[string]bool)
	seenNeg := make(map[string]bool)
	sig := Signature{Name: name}
	for _, tok := range tokens {
		feature := strings.TrimSpace(tok)
		negative := false
		if strings.HasSuffix(feature, "-") {
			negative = true
			feature = feature[:len(feature)-1]
		}
		if feature == "" {
			return Signature{}, errs.Configf("signature %q has an empty feature token %q", name, tok)
		}
		if negative {
			if seenNeg[feature] {
				continue
			}
			seenNeg[feature] = true
		} else {
			if seenPos[feature] {
				continue
			}
			seenPos[feature] = true
		}
		sig.Markers = append(sig.Markers, Marker{Feature: feature, Negative: negative})
	}

	if err := sig.Validate(); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// ParseSet parses a name -> tokens mapping into signatures sorted by name,
// so callers get a deterministic order regardless of map iteration.
func ParseSet(raw map[string][]string) ([]Signature, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	sigs := make([]Signature, 0, len(names))
	for _, name := range names {
		sig, err := Parse(name, raw[name])
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// Validate checks the structural rules: at least one positive marker and no
// feature appearing with both signs ambiguously is tolerated (the positive
// and negative sets are independent).
func (s Signature) Validate() error {
	for _, m := range s.Markers {
		if !m.Negative {
			return nil
		}
	}
	return errs.Configf("signature %q has no positive features", s.Name)
}

// Positives returns the positive feature identifiers in marker order.
func (s Signature) Positives() []string {
	var out []string
	for _, m := range s.Markers {
		if !m.Negative {
			out = append(out, m.Feature)
		}
	}
	return out
}

// Negatives returns the negative feature identifiers in marker order.
func (s Signature) Negatives() []string {
	var out []string
	for _, m := range s.Markers {
		if m.Negative {
			out = append(out, m.Feature)
		}
	}
	return out
}
