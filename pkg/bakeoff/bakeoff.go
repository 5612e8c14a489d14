package bakeoff

import (
	"github.com/jihwankim/haloserver/pkg/stats"
)

// Parameters configures one Bakeoff run, per spec.md §4.7.
type Parameters struct {
	// SwitchRate is the number of take_step calls between forced
	// switches while the comparison remains statistically inconclusive.
	SwitchRate int
	// MaxSwitches bounds how many times an inconclusive comparison may
	// force a switch before the bakeoff gives up and times out.
	MaxSwitches int
	// MinSamples is the minimum observation count each side's IPC
	// stream must reach before a t-test is attempted.
	MinSamples int
	Confidence  Confidence
}

// Status is where a Bakeoff currently stands.
type Status int

const (
	InProgress Status = iota
	PayingDebt
	NewIsBetter
	CurrentIsBetter
	Timeout
)

func (s Status) String() string {
	switch s {
	case PayingDebt:
		return "PayingDebt"
	case NewIsBetter:
		return "NewIsBetter"
	case CurrentIsBetter:
		return "CurrentIsBetter"
	case Timeout:
		return "Timeout"
	default:
		return "InProgress"
	}
}

type historyEntry struct {
	name string
	ipc  float64
}

// Bakeoff drives a live A/B comparison between two deployed
// CodeVersions (identified here by library name), redeploying and
// switching as statistical evidence accumulates, per
// original_source/tools/haloserver/Bakeoff.cpp.
type Bakeoff struct {
	Params Parameters

	// NewLibName is the challenger's library name. On a MaxSwitches
	// timeout it decides whether to switch back to the other side before
	// paying down debt, and once debt is paid it decides whether the
	// winner is reported as NewIsBetter or CurrentIsBetter.
	NewLibName string

	deployedName string
	otherName    string

	deployedIPC *stats.RandomQuantity
	otherIPC    *stats.RandomQuantity

	switches         int
	stepsUntilSwitch int

	paymentsRemaining int
	status            Status
	winner            string
	hasWinner         bool
	timedOut          bool

	deployedSamplesSeen uint64
	history             []historyEntry

	// Deploy broadcasts a "switch to this library" instruction to
	// every client in the group. SetSamplingPeriod broadcasts a new
	// instruction-sampling period (0 disables sampling).
	Deploy            func(libName string)
	SetSamplingPeriod func(period uint64)
}

// New starts a Bakeoff with deployedName initially live and otherName
// as the challenger waiting in the wings, immediately (re)deploying
// deployedName.
func New(params Parameters, deployedName, otherName, newLibName string, deploy func(string), setSamplingPeriod func(uint64)) *Bakeoff {
	b := &Bakeoff{
		Params:            params,
		NewLibName:        newLibName,
		deployedName:      deployedName,
		otherName:         otherName,
		deployedIPC:       stats.NewRandomQuantity(stats.DefaultCapacity),
		otherIPC:          stats.NewRandomQuantity(stats.DefaultCapacity),
		stepsUntilSwitch:  params.SwitchRate,
		Deploy:            deploy,
		SetSamplingPeriod: setSamplingPeriod,
	}
	b.Deploy(b.deployedName)
	return b
}

// CurrentStatus returns the bakeoff's current status.
func (b *Bakeoff) CurrentStatus() Status { return b.status }

// DeployedName returns the currently-deployed library name.
func (b *Bakeoff) DeployedName() string { return b.deployedName }

// GetWinner returns the decided winner's library name, if any.
func (b *Bakeoff) GetWinner() (string, bool) { return b.winner, b.hasWinner }

// Switches returns how many times this bakeoff has swapped which side
// is deployed, for the halo_bakeoff_switches gauge.
func (b *Bakeoff) Switches() int { return b.switches }

func (b *Bakeoff) switchVersions() {
	b.deployedName, b.otherName = b.otherName, b.deployedName
	b.deployedIPC, b.otherIPC = b.otherIPC, b.deployedIPC
	b.switches++
	b.stepsUntilSwitch = b.Params.SwitchRate
	b.Deploy(b.deployedName)
}

// transitionToDebtRepayment computes how many additional observation
// cycles are needed before the running average of deployed-IPC history
// converges back toward the winner's own average (within 0.5), so that
// a temporarily-worse-performing switch doesn't permanently skew the
// group's reported average performance. Mirrors Bakeoff.cpp's
// transition_to_debt_repayment exactly, including its continue-the-
// same-running-mean trick for computing TotalAvg from BestAvg's
// accumulator.
func (b *Bakeoff) transitionToDebtRepayment(winner string, timedOut bool) {
	b.SetSamplingPeriod(0)

	var bestSum float64
	var bestCount int
	var totalSum float64
	var totalCount int
	for _, e := range b.history {
		if e.name == winner {
			bestSum += e.ipc
			bestCount++
		}
		totalSum += e.ipc
		totalCount++
	}

	var bestAvg float64
	if bestCount > 0 {
		bestAvg = bestSum / float64(bestCount)
	}
	totalAvg := totalSum
	if totalCount > 0 {
		totalAvg /= float64(totalCount)
	}

	delta := bestAvg - totalAvg
	payments := 0
	sum, count := totalSum, totalCount
	for abs(delta) > 0.5 {
		payments++
		sum += bestAvg
		count++
		totalAvg = sum / float64(count)
		delta = bestAvg - totalAvg
	}

	b.paymentsRemaining = payments
	b.winner = winner
	b.hasWinner = winner != ""
	b.timedOut = timedOut
	b.status = PayingDebt
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func (b *Bakeoff) debtPaymentStep() Status {
	b.paymentsRemaining--
	if b.paymentsRemaining > 0 {
		return b.status
	}
	switch {
	case b.timedOut:
		b.status = Timeout
	case b.winner == b.NewLibName:
		b.status = NewIsBetter
	default:
		b.status = CurrentIsBetter
	}
	return b.status
}

// TakeStep advances the bakeoff by one observation cycle. samplesSeen
// is the deployed version's cumulative sample count as of this cycle;
// if it hasn't advanced since the last call, no new IPC observation
// has actually arrived and the step is a no-op beyond redeploying. ipc
// is the freshly-computed IPC estimate for the deployed version over
// the interval ending at samplesSeen, and samplePeriod is the
// Profiler's configured instruction-sampling period, re-broadcast on
// every in-progress cycle (the original re-enables sampling on each
// take_step since transition_to_debt_repayment disables it).
func (b *Bakeoff) TakeStep(ipc float64, samplesSeen uint64, samplePeriod uint64) Status {
	// redeploy first: covers clients that connected since the last step.
	b.Deploy(b.deployedName)

	if b.status == PayingDebt {
		return b.debtPaymentStep()
	}
	if b.status != InProgress {
		return b.status
	}

	b.SetSamplingPeriod(samplePeriod)
	if samplesSeen == b.deployedSamplesSeen {
		return InProgress // no new samples since last cycle
	}
	b.deployedSamplesSeen = samplesSeen

	b.history = append(b.history, historyEntry{name: b.deployedName, ipc: ipc})
	b.deployedIPC.Observe(ipc)

	var result ComparisonResult
	if b.deployedIPC.Size() < b.Params.MinSamples || b.otherIPC.Size() < b.Params.MinSamples {
		result = NoAnswer
	} else {
		result = compareTTest(b.sampleOf(b.deployedIPC), b.sampleOf(b.otherIPC), b.Params.Confidence)
	}
	switch result {
	case GreaterThan:
		b.transitionToDebtRepayment(b.deployedName, false)
		return b.status
	case LessThan:
		winner := b.otherName
		b.switchVersions()
		b.transitionToDebtRepayment(winner, false)
		return b.status
	default: // NoAnswer
		if b.switches >= b.Params.MaxSwitches {
			if b.deployedName == b.NewLibName {
				b.switchVersions()
			}
			b.transitionToDebtRepayment("", true)
			return b.status
		}
		b.stepsUntilSwitch--
		if b.stepsUntilSwitch <= 0 {
			b.switchVersions()
		}
		return InProgress
	}
}

func (b *Bakeoff) sampleOf(rq *stats.RandomQuantity) sample {
	mean := 0.0
	if rq.Size() > 0 {
		mean = rq.Mean()
	}
	return sample{mean: mean, variance: rq.Variance(mean), n: rq.Size()}
}

// CompareMeans exposes the simple (non-t-test) comparator for
// components outside the take_step hot path, per spec.md §4.7.
func CompareMeans(aMean, aVar float64, aN int, bMean, bVar float64, bN int, minSamples int) ComparisonResult {
	return compareMeans(sample{mean: aMean, variance: aVar, n: aN}, sample{mean: bMean, variance: bVar, n: bN}, minSamples)
}
