package variant_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/tzgw/variant"
)

func TestSample_EmptyCandidatesIsInvalid(t *testing.T) {
	_, _, _, err := variant.Sample(nil, map[string]variant.Info{}, "fn", "ep1")
	require.Error(t, err)
	var invalid *variant.InvalidFunctionVariantsError
	require.ErrorAs(t, err, &invalid)
}

func TestSample_UnknownCandidateIsInvalid(t *testing.T) {
	_, _, _, err := variant.Sample([]string{"missing"}, map[string]variant.Info{}, "fn", "ep1")
	require.Error(t, err)
}

func TestSample_DeterministicAcrossInvocations(t *testing.T) {
	variants := map[string]variant.Info{"A": {Weight: 1}, "B": {Weight: 3}}
	candidates := []string{"A", "B"}

	name1, info1, _, err := variant.Sample(candidates, variants, "my-function", "episode-42")
	require.NoError(t, err)
	name2, info2, _, err := variant.Sample(candidates, variants, "my-function", "episode-42")
	require.NoError(t, err)

	require.Equal(t, name1, name2)
	require.Equal(t, info1, info2)
}

func TestSample_RemovalShrinksCandidateSet(t *testing.T) {
	variants := map[string]variant.Info{"A": {Weight: 1}, "B": {Weight: 1}, "C": {Weight: 1}}
	candidates := []string{"A", "B", "C"}

	name, _, remaining, err := variant.Sample(candidates, variants, "fn", "ep")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.NotContains(t, remaining, name)
}

// TestSample_WeightedConvergence validates spec testable property 3: with
// weights {A: 1, B: 3}, empirical selection frequency converges to
// {A: 1/4, B: 3/4} within ±2% at 10,000 samples.
func TestSample_WeightedConvergence(t *testing.T) {
	variants := map[string]variant.Info{"A": {Weight: 1}, "B": {Weight: 3}}
	candidates := []string{"A", "B"}

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		episodeID := fmt.Sprintf("episode-%d", i)
		name, _, _, err := variant.Sample(candidates, variants, "fn", episodeID)
		require.NoError(t, err)
		counts[name]++
	}

	fracB := float64(counts["B"]) / float64(n)
	require.InDelta(t, 0.75, fracB, 0.02)
}

// TestSample_EqualWeightsConvergeToUniform validates spec testable property
// 3's equal-weight case: frequency converges to 1/N per variant.
func TestSample_EqualWeightsConvergeToUniform(t *testing.T) {
	variants := map[string]variant.Info{"A": {Weight: 1}, "B": {Weight: 1}}
	candidates := []string{"A", "B"}

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		episodeID := fmt.Sprintf("episode-%d", i)
		name, _, _, err := variant.Sample(candidates, variants, "fn", episodeID)
		require.NoError(t, err)
		counts[name]++
	}

	fracA := float64(counts["A"]) / float64(n)
	require.InDelta(t, 0.5, fracA, 0.02)
}

// TestSample_DeterministicProperty validates spec testable property 2:
// identical (function_name, episode_id, candidate set, variants) is
// deterministic across invocations.
func TestSample_DeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	variants := map[string]variant.Info{"A": {Weight: 1}, "B": {Weight: 2}, "C": {Weight: 0}}
	candidates := []string{"A", "B", "C"}

	properties.Property("sampling the same inputs twice yields the same result", prop.ForAll(
		func(functionName, episodeID string) bool {
			name1, info1, _, err1 := variant.Sample(candidates, variants, functionName, episodeID)
			name2, info2, _, err2 := variant.Sample(candidates, variants, functionName, episodeID)
			if err1 != nil || err2 != nil {
				return false
			}
			return name1 == name2 && info1 == info2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestSample_NonPositiveWeightsFallBackToUniform(t *testing.T) {
	variants := map[string]variant.Info{"A": {Weight: 0}, "B": {Weight: -5}}
	candidates := []string{"A", "B"}

	name, _, _, err := variant.Sample(candidates, variants, "fn", "ep")
	require.NoError(t, err)
	require.Contains(t, []string{"A", "B"}, name)
}

func TestSample_SingleCandidateAlwaysSelected(t *testing.T) {
	variants := map[string]variant.Info{"A": {Weight: 1}}
	candidates := []string{"A"}
	name, _, remaining, err := variant.Sample(candidates, variants, "fn", "ep")
	require.NoError(t, err)
	require.Equal(t, "A", name)
	require.Empty(t, remaining)
}
