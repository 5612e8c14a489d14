package tuner

import (
	"math"
	"math/rand"

	"github.com/jihwankim/haloserver/pkg/knob"
)

// randomFrom returns a copy of ks with every knob reassigned a
// uniformly random value within its own [min,max] range, per
// RandomTuner.cpp's randomFrom.
func randomFrom(ks knob.KnobSet, rng *rand.Rand) knob.KnobSet {
	out := ks.Clone()
	for _, id := range out.IDs() {
		k, _ := out.Lookup(id)
		switch k.Kind {
		case knob.KindFlag:
			k.FlagVal = rng.Intn(2) == 1
		case knob.KindInt:
			k.IntVal = k.IntMin + int64(rng.Intn(int(k.IntMax-k.IntMin+1)))
		case knob.KindOptLvl:
			k.OptVal = knob.OptLevel(int(knob.O0) + rng.Intn(int(knob.O3-knob.O0+1)))
		}
		k.Unset = false
		out.Insert(k)
	}
	return out
}

// nearbyInt samples a value close to cur within [min,max], where energy
// in [0,100] controls the standard deviation of the normal distribution
// used: 68% of draws fall within half the knob's full range at
// energy=100, proportionally less at lower energy. Mirrors
// RandomTuner.cpp's nearbyInt exactly.
func nearbyInt(rng *rand.Rand, cur, min, max int64, energy float64) int64 {
	rangeSz := math.Abs(float64(max - min))
	scaledRange := rangeSz * (energy / 100.0)
	stdDev := scaledRange / 2.0

	val := cur
	if stdDev > 0 {
		val = int64(math.Round(rng.NormFloat64()*stdDev + float64(cur)))
	}
	if val < min {
		val = min
	}
	if val > max {
		val = max
	}
	return val
}

// nearby returns a copy of ks perturbed by nearbyInt around each
// knob's current value, per RandomTuner.cpp's nearby.
func nearby(ks knob.KnobSet, rng *rand.Rand, energy float64) knob.KnobSet {
	out := ks.Clone()
	for _, id := range out.IDs() {
		k, _ := out.Lookup(id)
		switch k.Kind {
		case knob.KindFlag:
			cur := int64(0)
			if k.FlagVal {
				cur = 1
			}
			k.FlagVal = nearbyInt(rng, cur, 0, 1, energy) == 1
		case knob.KindInt:
			k.IntVal = nearbyInt(rng, k.IntVal, k.IntMin, k.IntMax, energy)
		case knob.KindOptLvl:
			cur := int64(k.OptVal)
			k.OptVal = knob.OptLevel(nearbyInt(rng, cur, int64(knob.O0), int64(knob.O3), energy))
		}
		k.Unset = false
		out.Insert(k)
	}
	return out
}
