package valve

import "github.com/steveyegge/thermal/internal/types"

// Affinity weights for the valve x source table
const (
	AffinityPrimary   = 1.0
	AffinitySecondary = 0.7
	AffinityOther     = 0.4
)

type pairing struct {
	primary   types.Source
	secondary types.Source
}

// Each valve relieves its primary source best and its secondary source well;
// every other source gets AffinityOther.
var pairings = map[types.Valve]pairing{
	types.ValveVerbal:           {primary: types.SourceCognitiveLoad, secondary: types.SourceUnexpressedBacklog},
	types.ValveSymbolic:         {primary: types.SourceDrift, secondary: types.SourceCognitiveLoad},
	types.ValveCreative:         {primary: types.SourceUnexpressedBacklog, secondary: types.SourceProcessingSpike},
	types.ValveEmpathetic:       {primary: types.SourceExternalSignal, secondary: types.SourceUnexpressedBacklog},
	types.ValveConceptual:       {primary: types.SourceCognitiveLoad, secondary: types.SourceDrift},
	types.ValveMemoryTrace:      {primary: types.SourceDrift, secondary: types.SourceExternalSignal},
	types.ValvePatternSynthesis: {primary: types.SourceProcessingSpike, secondary: types.SourceCognitiveLoad},
}

// Affinity returns how well v relieves s, in (0, 1]
func Affinity(v types.Valve, s types.Source) float64 {
	p, ok := pairings[v]
	switch {
	case !ok:
		return AffinityOther
	case s == p.primary:
		return AffinityPrimary
	case s == p.secondary:
		return AffinitySecondary
	default:
		return AffinityOther
	}
}

// PrimarySource returns the source v relieves best. It is used when an event
// is opened without a source hint.
func PrimarySource(v types.Valve) types.Source {
	if p, ok := pairings[v]; ok {
		return p.primary
	}
	return types.SourceCognitiveLoad
}
