package recall

import (
	"math"
	"time"

	"agenr/internal/entry"
)

var recencyHalfLifeDays = map[string]float64{
	entry.ExpiryPermanent:   90,
	entry.ExpiryTemporary:   30,
	entry.ExpirySessionOnly: 3,
}

var recallCeiling = map[string]float64{
	entry.ExpiryCore:        64,
	entry.ExpiryPermanent:   32,
	entry.ExpiryTemporary:   16,
	entry.ExpirySessionOnly: 8,
}

const defaultAroundRadiusDays = 14

// scoreInputs carries every knob the §4.6.1 composition needs, so the pure
// math in composeScore never has to reach into config or wall-clock time.
type scoreInputs struct {
	e          *entry.Entry
	cos        float64
	now        time.Time
	effective  time.Time // "now" for the recency term; the `around` date when one is set
	ftsNorm    float64
	around     *time.Time
	aroundDays float64
	noBoost    bool
	ftsWeight  float64
	strengthFloor float64
}

func composeScore(in scoreInputs) float64 {
	if in.noBoost {
		return in.cos
	}

	recency := recencyTerm(in.e, in.effective)
	importance := importanceTerm(in.e.Importance)
	strength := recallStrengthTerm(in.e, in.strengthFloor)
	freshness := freshnessTerm(in.e, in.now)
	todo := todoStalenessTerm(in.e, in.now)
	quality := qualityTerm(in.e.QualityScore)
	gaussian := gaussianAroundTerm(in.e, in.around, in.aroundDays)
	contradiction := contradictionTerm(in.e.Contradictions)

	product := in.cos * recency * importance * strength * freshness * todo * quality * gaussian * contradiction
	return product + in.ftsWeight*in.ftsNorm
}

func recencyTerm(e *entry.Entry, effectiveNow time.Time) float64 {
	if e.Expiry == entry.ExpiryCore {
		return 1.0
	}
	halfLife, ok := recencyHalfLifeDays[e.Expiry]
	if !ok {
		halfLife = recencyHalfLifeDays[entry.ExpiryPermanent]
	}
	ageDays := effectiveNow.Sub(e.UpdatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / halfLife)
}

func importanceTerm(importance int) float64 {
	v := 0.5 + 0.05*float64(importance)
	if v < 0.55 {
		return 0.55
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

func recallStrengthTerm(e *entry.Entry, floor float64) float64 {
	var raw float64
	if e.RecallCount > 0 {
		ceiling, ok := recallCeiling[e.Expiry]
		if !ok {
			ceiling = recallCeiling[entry.ExpiryPermanent]
		}
		raw = math.Log2(1+float64(e.RecallCount)) / math.Log2(1+ceiling)
		if raw > 1.0 {
			raw = 1.0
		}
	}
	if raw < floor {
		return floor
	}
	return raw
}

func freshnessTerm(e *entry.Entry, now time.Time) float64 {
	if e.Importance < 6 {
		return 1.0
	}
	age := now.Sub(e.UpdatedAt)
	switch {
	case age <= time.Hour:
		return 1.5
	case age <= 4*time.Hour:
		return 1.25
	case age <= 24*time.Hour:
		return 1.1
	default:
		return 1.0
	}
}

func todoStalenessTerm(e *entry.Entry, now time.Time) float64 {
	if e.Type != "todo" {
		return 1.0
	}
	daysSinceUpdate := now.Sub(e.UpdatedAt).Hours() / 24
	if daysSinceUpdate < 0 {
		daysSinceUpdate = 0
	}
	floor := 0.1 + 0.05*math.Max(0, float64(e.Importance)-7)
	v := math.Pow(0.5, daysSinceUpdate/7)
	if v < floor {
		return floor
	}
	return v
}

func qualityTerm(qualityScore float64) float64 {
	q := qualityScore
	if q == 0 {
		q = 0.5
	}
	return 0.7 + 0.6*q
}

// gaussianAroundTerm scores how close e's own timestamp falls to the
// requested `around` date, so two candidates in the same query can be told
// apart by their distance from that date rather than all sharing whatever
// "now" happens to be.
func gaussianAroundTerm(e *entry.Entry, around *time.Time, radiusDays float64) float64 {
	if around == nil {
		return 1.0
	}
	if radiusDays <= 0 {
		radiusDays = defaultAroundRadiusDays
	}
	daysFromAround := e.UpdatedAt.Sub(*around).Hours() / 24
	ratio := daysFromAround / radiusDays
	return math.Exp(-(ratio * ratio) / 2)
}

func contradictionTerm(contradictions int) float64 {
	if contradictions >= 2 {
		return 0.8
	}
	return 1.0
}

// scoreBrowseEntry composes the simpler browse-path score: importance plus
// a plain recency term in (0, 1], no vector or FTS components. Entries
// therefore order by importance first and by recency within one importance.
func scoreBrowseEntry(e *entry.Entry, now time.Time) float64 {
	return float64(e.Importance) + recencyTerm(e, now)
}

// effectiveNow is the instant recency is measured against: the `around`
// date when one is set, otherwise now.
func effectiveNow(now time.Time, around *time.Time) time.Time {
	if around != nil {
		return *around
	}
	return now
}
