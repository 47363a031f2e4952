package consensus

import (
	"math"
)

// nQual bounds the phred scores we tabulate. Quality bytes above
// '!' + nQual - 1 are treated as nQual - 1.
const nQual = 94

// logMatch[q] is log(1 - e) and logMismatch[q] is log(e / 3), where
// e = 10^(-q/10) is the error probability of a base with phred score q.
// The mismatch term assumes errors are evenly distributed among the other
// three bases.
var logMatch, logMismatch [nQual]float64

func init() {
	for q := range logMatch {
		e := math.Exp(float64(q) * (-0.1 * math.Ln10))
		// q == 0 gives e == 1 and logMatch == -Inf.
		logMatch[q] = math.Log1p(-e)
		logMismatch[q] = math.Log(e / 3)
	}
}

// phred returns the clamped table index of a quality byte.
func phred(b byte) int {
	q := int(b) - '!'
	if q < 0 {
		return 0
	}
	if q >= nQual {
		return nQual - 1
	}
	return q
}

// logSumExp returns log(sum(exp(v))). It returns -Inf if every element is
// -Inf.
func logSumExp(v []float64) float64 {
	max := math.Inf(-1)
	for _, x := range v {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	sum := 0.0
	for _, x := range v {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}
