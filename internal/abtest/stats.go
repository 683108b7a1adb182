package abtest

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// group is one row of the contingency table: successes vs failures for a
// single variant under the winner criterion.
type group struct {
	successes float64
	failures  float64
}

// chiSquareIndependence computes the chi-square test of independence over
// k variant groups against two outcome columns (success, failure).
// Returns the statistic, degrees of freedom, and p-value. Groups with no
// observations must be excluded by the caller.
func chiSquareIndependence(groups []group) (statistic float64, df int, pValue float64) {
	if len(groups) < 2 {
		return 0, 0, 1
	}

	var totalSuccess, totalFailure float64
	for _, g := range groups {
		totalSuccess += g.successes
		totalFailure += g.failures
	}
	grandTotal := totalSuccess + totalFailure
	if grandTotal == 0 || totalSuccess == 0 || totalFailure == 0 {
		// Degenerate table: no variation between columns.
		return 0, len(groups) - 1, 1
	}

	for _, g := range groups {
		rowTotal := g.successes + g.failures
		expSuccess := rowTotal * totalSuccess / grandTotal
		expFailure := rowTotal * totalFailure / grandTotal
		if expSuccess > 0 {
			statistic += (g.successes - expSuccess) * (g.successes - expSuccess) / expSuccess
		}
		if expFailure > 0 {
			statistic += (g.failures - expFailure) * (g.failures - expFailure) / expFailure
		}
	}

	df = len(groups) - 1
	dist := distuv.ChiSquared{K: float64(df)}
	pValue = 1 - dist.CDF(statistic)
	return statistic, df, pValue
}

// wilsonInterval returns the Wilson score interval around a binomial rate
// at the given confidence level (e.g. 95). Used for comparative
// reporting, not for the winner decision.
func wilsonInterval(successes, trials int64, confidenceLevel float64) (lower, upper, margin float64) {
	if trials == 0 {
		return 0, 0, 0
	}
	alpha := 1 - confidenceLevel/100
	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(1 - alpha/2)

	n := float64(trials)
	p := float64(successes) / n
	z2 := z * z

	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	half := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n)) / denom

	lower = center - half
	upper = center + half
	if lower < 0 {
		lower = 0
	}
	if upper > 1 {
		upper = 1
	}
	return lower, upper, half
}
