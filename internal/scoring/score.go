package scoring

import (
	"log"

	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/matrix"
	"github.com/cellsig/server/internal/signature"
)

// Diagnostics accompanies a successful run. Missing features and empty
// signatures are warnings, never failures: a partially covered signature is
// still scored over its remaining features.
type Diagnostics struct {
	MissingFeatures map[string][]string `json:"missing_features,omitempty"`
	EmptySignatures []string            `json:"empty_signatures,omitempty"`
	BelowCutoff     map[string]int64    `json:"below_cutoff,omitempty"`
}

// compiledSignature is a signature resolved against one matrix: feature
// names mapped to columns, absent features dropped and recorded.
type compiledSignature struct {
	name     string
	pos      []int
	neg      []int
	posDenom float64
	negDenom float64
}

// uDenom is the normalization constant of the rank statistic: the rank-sum
// spread between the best case (ranks 1..n) and the worst case (all at
// maxRank).
func uDenom(n, maxRank int) float64 {
	nf := float64(n)
	return nf*float64(maxRank) - nf*(nf+1)/2
}

func compileSignatures(m *matrix.Matrix, sigs []signature.Signature, maxRank int) ([]compiledSignature, *Diagnostics, error) {
	diags := &Diagnostics{BelowCutoff: make(map[string]int64, len(sigs))}
	compiled := make([]compiledSignature, 0, len(sigs))

	for _, sig := range sigs {
		if err := sig.Validate(); err != nil {
			return nil, nil, err
		}

		cs := compiledSignature{name: sig.Name}
		var missing []string
		for _, mk := range sig.Markers {
			col, ok := m.FeatureIndex(mk.Feature)
			if !ok {
				missing = append(missing, mk.Feature)
				continue
			}
			if mk.Negative {
				cs.neg = append(cs.neg, col)
			} else {
				cs.pos = append(cs.pos, col)
			}
		}

		if len(missing) > 0 {
			if diags.MissingFeatures == nil {
				diags.MissingFeatures = make(map[string][]string)
			}
			diags.MissingFeatures[sig.Name] = missing
			log.Printf("[Scoring] signature %q: %d feature(s) not in matrix: %v", sig.Name, len(missing), missing)
		}
		if len(cs.pos) == 0 {
			diags.EmptySignatures = append(diags.EmptySignatures, sig.Name)
			log.Printf("[Scoring] signature %q has no usable features; scores will be 0", sig.Name)
		} else {
			cs.posDenom = uDenom(len(cs.pos), maxRank)
			if cs.posDenom <= 0 {
				return nil, nil, errs.Configf("maxRank %d too small for signature %q with %d positive features", maxRank, sig.Name, len(cs.pos))
			}
		}
		if len(cs.neg) > 0 {
			cs.negDenom = uDenom(len(cs.neg), maxRank)
			if cs.negDenom <= 0 {
				return nil, nil, errs.Configf("maxRank %d too small for signature %q with %d negative features", maxRank, sig.Name, len(cs.neg))
			}
		}
		compiled = append(compiled, cs)
	}
	return compiled, diags, nil
}

// uStat computes the Mann-Whitney-U-derived statistic for one feature set in
// the current cell: 1 when the features hold the top ranks, 0 when all sit
// at or past the cutoff. Ranks past maxRank are clipped to maxRank so they
// contribute nothing.
func uStat(rk *ranker, features []int, denom float64, below *int64) float64 {
	maxR := float64(rk.maxRank)
	var rankSum float64
	for _, f := range features {
		r := rk.rank(f)
		if r > maxR {
			r = maxR
			*below++
		}
		rankSum += r
	}
	nf := float64(len(features))
	u := rankSum - nf*(nf+1)/2
	s := 1 - u/denom
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// scoreCell produces the [0,1] score of one signature for the current cell
// of rk, and the count of signature features that fell below the rank
// cutoff.
func (cs *compiledSignature) scoreCell(rk *ranker, negativeWeight float64) (float64, int64) {
	if len(cs.pos) == 0 {
		return 0, 0
	}
	var below int64
	score := uStat(rk, cs.pos, cs.posDenom, &below)
	if len(cs.neg) > 0 {
		score -= negativeWeight * uStat(rk, cs.neg, cs.negDenom, &below)
	}
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	return score, below
}
