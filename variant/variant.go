// Package variant implements deterministic, per-episode weighted selection
// among a function's candidate variants.
package variant

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Info is the subset of a variant's configuration the sampler needs: its
// selection weight. A negative or absent weight is treated as zero.
type Info struct {
	Weight float64
}

// InvalidFunctionVariantsError reports a candidate set that cannot be
// sampled from: empty, or containing a name absent from the variants map.
type InvalidFunctionVariantsError struct {
	FunctionName string
	Reason       string
}

func (e *InvalidFunctionVariantsError) Error() string {
	return fmt.Sprintf("invalid variants for function %q: %s", e.FunctionName, e.Reason)
}

// Sample deterministically picks one variant from candidates, weighted by
// each candidate's Info.Weight, using a hash of functionName and episodeID
// as the source of randomness so repeated calls for the same episode and
// function agree.
//
// On success it returns the selected name, its Info, and the remaining
// candidates with the selection removed via swap-remove (order among the
// survivors is not preserved) so callers can retry against a shrinking set
// on a provider failure.
func Sample(candidates []string, variants map[string]Info, functionName, episodeID string) (string, Info, []string, error) {
	if len(candidates) == 0 {
		return "", Info{}, nil, &InvalidFunctionVariantsError{FunctionName: functionName, Reason: "no candidate variants"}
	}

	var total float64
	for _, name := range candidates {
		info, ok := variants[name]
		if !ok {
			return "", Info{}, nil, &InvalidFunctionVariantsError{FunctionName: functionName, Reason: fmt.Sprintf("candidate %q not found in variants", name)}
		}
		if info.Weight > 0 {
			total += info.Weight
		}
	}

	u := hashToUnitInterval(functionName, episodeID)

	var selected int
	if total <= 0 {
		selected = int(u * float64(len(candidates)))
		if selected >= len(candidates) {
			selected = len(candidates) - 1
		}
	} else {
		target := u * total
		var cumulative float64
		selected = len(candidates) - 1 // fallback on numerical shortfall
		for i, name := range candidates {
			w := variants[name].Weight
			if w > 0 {
				cumulative += w
			}
			if cumulative > target {
				selected = i
				break
			}
		}
	}

	name := candidates[selected]
	info := variants[name]

	remaining := make([]string, len(candidates))
	copy(remaining, candidates)
	last := len(remaining) - 1
	remaining[selected] = remaining[last]
	remaining = remaining[:last]

	return name, info, remaining, nil
}

// hashToUnitInterval maps sha256(functionName || episodeID) to a value in
// [0, 1) by interpreting the first 4 bytes as a big-endian uint32.
func hashToUnitInterval(functionName, episodeID string) float64 {
	h := sha256.Sum256([]byte(functionName + episodeID))
	n := binary.BigEndian.Uint32(h[:4])
	return float64(n) / (math.MaxUint32 + 1)
}
