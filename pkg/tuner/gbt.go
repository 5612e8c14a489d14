package tuner

import (
	"math"
	"math/rand"
	"sort"
)

// GBTParams fixes the gradient-boosted-trees parameter contract spec.md
// §9 describes as library-substitutable: whatever library implements
// this, these are the hyperparameters. SPEC_FULL.md §E documents why
// this file hand-rolls the contract instead of importing a trainable
// GBT library (none exists in the example pack).
type GBTParams struct {
	MaxDepth        int
	Eta             float64
	MinChildWeight  float64
	SubSample       float64
	NumParallelTree int
	MaxRounds       int
}

// DefaultGBTParams matches PseudoBayesTuner.cpp's XGBoost invocation:
// squared-error objective, depth 3, eta 0.3, min-child-weight 2,
// sub-sample 0.75, 4 parallel trees per boosting round.
func DefaultGBTParams() GBTParams {
	return GBTParams{
		MaxDepth:        3,
		Eta:             0.3,
		MinChildWeight:  2,
		SubSample:       0.75,
		NumParallelTree: 4,
		MaxRounds:       100,
	}
}

type treeNode struct {
	isLeaf bool
	value  float64

	splitCol int
	splitVal float64
	// missingLeft is the split's learned default direction: rows with
	// a NaN (missing, see missingVal) feature at splitCol follow it
	// instead of being compared against splitVal, matching XGBoost's
	// `missing` parameter semantics the original's ConfigMatrix was
	// built to feed (PseudoBayesTuner.cpp's MISSING_VAL).
	missingLeft bool

	left, right *treeNode
}

func (n *treeNode) predict(x []float64) float64 {
	if n.isLeaf {
		return n.value
	}
	v := x[n.splitCol]
	goLeft := v <= n.splitVal
	if math.IsNaN(v) {
		goLeft = n.missingLeft
	}
	if goLeft {
		return n.left.predict(x)
	}
	return n.right.predict(x)
}

// fitTree greedily grows a squared-error regression tree over rows
// (indices into X/residual), up to maxDepth, refusing any split that
// would leave a child with fewer than minChildWeight rows. Each
// candidate split is evaluated twice — once sending rows with a
// missing value at that column left, once sending them right — and
// the better of the two becomes the split's default direction, the
// same learn-the-missing-branch approach XGBoost uses.
func fitTree(x [][]float64, residual []float64, rows []int, depth, maxDepth int, minChildWeight float64) *treeNode {
	mean := meanAt(residual, rows)
	if depth >= maxDepth || len(rows) < int(2*minChildWeight) {
		return &treeNode{isLeaf: true, value: mean}
	}

	bestCol, bestSplit, bestGain := -1, 0.0, 0.0
	bestMissingLeft := true
	baseSSE := sseAt(residual, rows, mean)
	numCols := len(x[rows[0]])

	for col := 0; col < numCols; col++ {
		var present, missing []int
		for _, r := range rows {
			if math.IsNaN(x[r][col]) {
				missing = append(missing, r)
			} else {
				present = append(present, r)
			}
		}
		if len(present) < 2 {
			continue
		}
		vals := make([]float64, len(present))
		for i, r := range present {
			vals[i] = x[r][col]
		}
		sort.Float64s(vals)
		for i := 0; i < len(vals)-1; i++ {
			if vals[i] == vals[i+1] {
				continue
			}
			split := (vals[i] + vals[i+1]) / 2
			var left, right []int
			for _, r := range present {
				if x[r][col] <= split {
					left = append(left, r)
				} else {
					right = append(right, r)
				}
			}
			for _, missingGoesLeft := range [2]bool{true, false} {
				l, r := left, right
				if missingGoesLeft {
					l = append(append([]int(nil), left...), missing...)
				} else {
					r = append(append([]int(nil), right...), missing...)
				}
				if float64(len(l)) < minChildWeight || float64(len(r)) < minChildWeight {
					continue
				}
				gain := baseSSE - sseAt(residual, l, meanAt(residual, l)) - sseAt(residual, r, meanAt(residual, r))
				if gain > bestGain {
					bestGain, bestCol, bestSplit, bestMissingLeft = gain, col, split, missingGoesLeft
				}
			}
		}
	}

	if bestCol == -1 {
		return &treeNode{isLeaf: true, value: mean}
	}

	var left, right []int
	for _, r := range rows {
		v := x[r][bestCol]
		goLeft := v <= bestSplit
		if math.IsNaN(v) {
			goLeft = bestMissingLeft
		}
		if goLeft {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &treeNode{
		isLeaf:      false,
		splitCol:    bestCol,
		splitVal:    bestSplit,
		missingLeft: bestMissingLeft,
		left:        fitTree(x, residual, left, depth+1, maxDepth, minChildWeight),
		right:       fitTree(x, residual, right, depth+1, maxDepth, minChildWeight),
	}
}

func meanAt(v []float64, rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range rows {
		sum += v[r]
	}
	return sum / float64(len(rows))
}

func sseAt(v []float64, rows []int, mean float64) float64 {
	sum := 0.0
	for _, r := range rows {
		d := v[r] - mean
		sum += d * d
	}
	return sum
}

// round is one boosting iteration's NumParallelTree trees, whose
// predictions are averaged (XGBoost's num_parallel_tree semantics: a
// "random forest" of trees stands in for a single weak learner at each
// boosting step).
type round struct {
	trees []*treeNode
}

func (r round) predict(x []float64) float64 {
	sum := 0.0
	for _, t := range r.trees {
		sum += t.predict(x)
	}
	return sum / float64(len(r.trees))
}

// GBTModel is a trained additive ensemble: baseScore plus eta-scaled
// round predictions.
type GBTModel struct {
	baseScore float64
	eta       float64
	rounds    []round
}

// Predict returns the model's estimate for one feature row.
func (m *GBTModel) Predict(x []float64) float64 {
	pred := m.baseScore
	for _, r := range m.rounds {
		pred += m.eta * r.predict(x)
	}
	return pred
}

// TrainGBT fits a boosted-stump ensemble to (X,y), holding out
// heldoutRatio of rows for validation and stopping the first round
// whose validation squared error does not strictly improve on the
// previous round's, per SPEC_FULL.md §E / PseudoBayesTuner.cpp's
// training-loop structure.
func TrainGBT(x [][]float64, y []float64, params GBTParams, heldoutRatio float64, rng *rand.Rand) *GBTModel {
	n := len(y)
	perm := rng.Perm(n)
	nHeldout := int(float64(n) * heldoutRatio)
	if nHeldout < 1 {
		nHeldout = 1
	}
	if nHeldout >= n {
		nHeldout = n - 1
	}
	valIdx := perm[:nHeldout]
	trainIdx := perm[nHeldout:]

	baseScore := meanAt(y, trainIdx)
	model := &GBTModel{baseScore: baseScore, eta: params.Eta}

	residual := make([]float64, n)
	for i := range residual {
		residual[i] = y[i] - baseScore
	}

	bestValErr := math.Inf(1)
	for round_ := 0; round_ < params.MaxRounds; round_++ {
		r := fitRound(x, residual, trainIdx, params, rng)
		model.rounds = append(model.rounds, r)

		for _, i := range trainIdx {
			residual[i] -= params.Eta * r.predict(x[i])
		}

		valErr := 0.0
		for _, i := range valIdx {
			pred := model.Predict(x[i])
			d := y[i] - pred
			valErr += d * d
		}
		valErr /= float64(len(valIdx))

		if valErr >= bestValErr {
			model.rounds = model.rounds[:len(model.rounds)-1] // discard the non-improving round
			break
		}
		bestValErr = valErr
	}

	return model
}

func fitRound(x [][]float64, residual []float64, trainIdx []int, params GBTParams, rng *rand.Rand) round {
	r := round{}
	for t := 0; t < params.NumParallelTree; t++ {
		sampled := subsample(trainIdx, params.SubSample, rng)
		r.trees = append(r.trees, fitTree(x, residual, sampled, 0, params.MaxDepth, params.MinChildWeight))
	}
	return r
}

func subsample(rows []int, ratio float64, rng *rand.Rand) []int {
	k := int(float64(len(rows)) * ratio)
	if k < 1 {
		k = 1
	}
	shuffled := append([]int(nil), rows...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}
