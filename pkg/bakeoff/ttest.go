// Package bakeoff implements Halo's pairwise code-version comparison:
// Welch's unequal-variances two-sample t-test against a fixed threshold
// table, and the Bakeoff state machine (deploy/switch/debt-repayment)
// that drives a live A/B comparison between a deployed and a
// challenger CodeVersion. Grounded on
// original_source/tools/haloserver/Bakeoff.cpp.
package bakeoff

import "math"

// ComparisonResult is the outcome of compareTTest.
type ComparisonResult int

const (
	// NoAnswer means the evidence doesn't clear the confidence bar in
	// either direction (including the low-df case where both
	// rejections fire at once).
	NoAnswer ComparisonResult = iota
	GreaterThan
	LessThan
)

func (r ComparisonResult) String() string {
	switch r {
	case GreaterThan:
		return "GreaterThan"
	case LessThan:
		return "LessThan"
	default:
		return "NoAnswer"
	}
}

// Confidence is one of the two tabulated confidence levels.
type Confidence float64

const (
	Confidence95 Confidence = 0.95
	Confidence99 Confidence = 0.99
)

// thresholdRow is one tabulated (df, critical-value) pair. The table is
// an upper-tail critical-value table for the one-sided t-test: the row
// for a given df is used for any computed df <= that row's df, i.e.
// lookup rounds UP to the next tabulated row (not down, unlike the df
// computation itself, which truncates).
type thresholdRow struct {
	df        uint
	threshold float64
}

// thresholdTable holds, for each confidence level, every tabulated row
// in ascending df order, verbatim from Bakeoff.cpp's ThresholdTable.
var thresholdTable = map[Confidence][]thresholdRow{
	Confidence95: {
		{1, 6.314}, {2, 2.920}, {3, 2.353}, {4, 2.132}, {5, 2.015},
		{6, 1.943}, {7, 1.895}, {8, 1.860}, {9, 1.833}, {10, 1.812},
		{11, 1.796}, {12, 1.782}, {13, 1.771}, {14, 1.761}, {15, 1.753},
		{16, 1.746}, {17, 1.740}, {18, 1.734}, {19, 1.729}, {20, 1.725},
		{21, 1.721}, {22, 1.717}, {23, 1.714}, {24, 1.711}, {25, 1.708},
		{26, 1.706}, {27, 1.703}, {28, 1.701}, {29, 1.699}, {30, 1.697},
		{40, 1.684}, {60, 1.671}, {120, 1.658}, {math.MaxUint32, 1.645},
	},
	Confidence99: {
		{1, 31.821}, {2, 6.965}, {3, 4.541}, {4, 3.747}, {5, 3.365},
		{6, 3.143}, {7, 2.998}, {8, 2.896}, {9, 2.821}, {10, 2.764},
		{11, 2.718}, {12, 2.681}, {13, 2.650}, {14, 2.624}, {15, 2.602},
		{16, 2.583}, {17, 2.567}, {18, 2.552}, {19, 2.539}, {20, 2.528},
		{21, 2.518}, {22, 2.508}, {23, 2.500}, {24, 2.492}, {25, 2.485},
		{26, 2.479}, {27, 2.473}, {28, 2.467}, {29, 2.462}, {30, 2.457},
		{40, 2.423}, {60, 2.390}, {120, 2.358}, {math.MaxUint32, 2.326},
	},
}

// tThreshold returns the critical value for the given confidence level
// and degrees of freedom, rounding df UP to the next tabulated row
// (the first row whose df is >= the supplied df). Panics on df==0 or an
// unrecognized confidence level, mirroring the original's assert.
func tThreshold(conf Confidence, df uint) float64 {
	if df == 0 {
		panic("bakeoff: tThreshold called with df == 0")
	}
	col, ok := thresholdTable[conf]
	if !ok {
		panic("bakeoff: unrecognized confidence level")
	}
	if df == col[0].df {
		return col[0].threshold
	}
	for i := 1; i < len(col); i++ {
		if df <= col[i].df {
			return col[i].threshold
		}
	}
	return col[len(col)-1].threshold
}

// sample is the minimal view compareTTest needs of an observation
// stream: mean, variance about that mean, and count.
type sample struct {
	mean     float64
	variance float64
	n        int
}

// compareTTest runs Welch's unequal-variances two-sample t-test of A
// against B (null hypothesis: equal means) at the given confidence
// level, returning GreaterThan if the evidence says A's mean exceeds
// B's, LessThan if the reverse, or NoAnswer if neither rejection clears
// the bar (including the degenerate low-df case where both directions
// would reject at once).
func compareTTest(a, b sample, conf Confidence) ComparisonResult {
	aScaledVar := a.variance / float64(a.n)
	bScaledVar := b.variance / float64(b.n)

	if aScaledVar+bScaledVar == 0 {
		// both streams are perfectly constant: no evidence either way,
		// and the Welch-Satterthwaite df below would be 0/0.
		return NoAnswer
	}

	testStatistic := (a.mean - b.mean) / math.Sqrt(aScaledVar+bScaledVar)

	// Welch-Satterthwaite degrees of freedom, truncated (rounded down).
	df := math.Trunc(
		math.Pow(aScaledVar+bScaledVar, 2) /
			(math.Pow(aScaledVar, 2)/float64(a.n-1) + math.Pow(bScaledVar, 2)/float64(b.n-1)),
	)

	thresh := tThreshold(conf, uint(df))

	hypo1 := testStatistic >= thresh
	hypo2 := testStatistic <= -thresh

	switch {
	case hypo1 && hypo2:
		return NoAnswer
	case hypo1:
		return GreaterThan
	case hypo2:
		return LessThan
	default:
		return NoAnswer
	}
}

// compareMeans is the simple (non-t-test) comparison used outside the
// take_step hot path: GreaterThan/LessThan by raw mean once both
// streams have at least minSamples observations, else NoAnswer.
func compareMeans(a, b sample, minSamples int) ComparisonResult {
	if a.n < minSamples || b.n < minSamples {
		return NoAnswer
	}
	switch {
	case a.mean > b.mean:
		return GreaterThan
	case a.mean < b.mean:
		return LessThan
	default:
		return NoAnswer
	}
}
