package tuner

import "github.com/jihwankim/haloserver/pkg/codeversion"

// StatisticalStopper decides when a group's tuning loop has explored
// enough of the configuration space to stop searching for better
// configurations, per StatisticalStopper.cpp. The full Vuduc et al.
// decision procedure isn't implemented upstream either — the space is
// too large to check a statistically meaningful fraction of it in
// practice — so this mirrors the original's simplified proxy: stop once
// the probability that the next compile produces a config distinct
// from everything already compiled drops below 1%.
type StatisticalStopper struct {
	// SpaceSize is the total size of the knob configuration space (N in
	// the original), used only for diagnostic reporting.
	SpaceSize float64
}

// UniqueCompileProbability computes the proxy probability ShouldStop
// thresholds against: the fraction of all compiled configs that turned
// out to be a distinct CodeVersion. ok is false when no compiles have
// been observed yet, so the halo_p_unique gauge can skip setting a
// meaningless 0 value.
func (s StatisticalStopper) UniqueCompileProbability(versions map[string]*codeversion.CodeVersion) (p float64, ok bool) {
	var configsCompiled, uniqueConfigs float64
	for _, cv := range versions {
		uniqueConfigs++
		configsCompiled += float64(len(cv.Configs))
	}
	if configsCompiled == 0 {
		return 0, false
	}
	return uniqueConfigs / configsCompiled, true
}

// ShouldStop reports whether to stop searching, given every CodeVersion
// observed so far: it stops once UniqueCompileProbability is below 0.01.
func (s StatisticalStopper) ShouldStop(versions map[string]*codeversion.CodeVersion) bool {
	p, ok := s.UniqueCompileProbability(versions)
	if !ok {
		return false
	}
	const minimumSuccessProb = 0.01
	return p < minimumSuccessProb
}
