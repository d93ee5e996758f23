// Package fees implements the two-stage multiplicative fee controller: a
// balance-based analytic modder and a per-peer price-theory exploration
// bandit, combined and clamped by Controller.
package fees

import "math"

var log50 = math.Log(50)

// BalanceMod computes CLBoss's balance-based fee multiplier
// exp(ln(50)*(0.5-p)), evaluated at the bin midpoint p rather than the exact
// ratio: with 20 bins that is about 0.91 at a 50/50 split (bin midpoint
// 0.525), about 41 when fully drained (discourage further outbound) and
// about 1/41 when fully stuffed (attract inbound). localRatio is quantized into numBins
// equal-width bins first, so two channels whose ratio falls in the same bin
// produce an identical multiplier, the bin midpoint stands in for the exact
// balance, preventing a fee observer from reading it precisely.
func BalanceMod(localRatio float64, numBins int) float64 {
	if numBins <= 0 {
		numBins = 20
	}
	p := localRatio
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	bin := int(p * float64(numBins))
	if bin >= numBins {
		bin = numBins - 1
	}
	midpoint := float64(1+2*bin) / float64(2*numBins)

	return math.Exp(log50 * (0.5 - midpoint))
}
