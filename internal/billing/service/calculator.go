package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/bwmarrin/snowflake"

	plandomain "github.com/openmetron/metron/internal/plan/domain"
)

// RatedLine is one dimension's computed charge.
type RatedLine struct {
	Dimension   string
	Quantity    float64
	AmountCents int64
}

const microsPerCent = 1_000_000

// Rate prices the period's usage totals under the plan's rules. All
// arithmetic stays in price micros until each line's total, which is
// rounded half up to cents. Dimensions without a rule are unbilled;
// rules without usage produce no line.
func Rate(rules []plandomain.RuleWithTiers, totals map[string]float64) []RatedLine {
	lines := make([]RatedLine, 0, len(rules))
	for _, rt := range rules {
		qty, ok := totals[rt.Rule.Dimension]
		if !ok {
			continue
		}

		billable := qty - rt.Rule.FreeAllowance
		if billable < 0 {
			billable = 0
		}

		var micros float64
		if len(rt.Tiers) == 0 {
			micros = billable * float64(rt.Rule.UnitPriceMicros)
		} else {
			micros = rateGraduated(rt.Tiers, billable)
		}

		lines = append(lines, RatedLine{
			Dimension:   rt.Rule.Dimension,
			Quantity:    qty,
			AmountCents: halfUpCents(micros),
		})
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].Dimension < lines[j].Dimension })
	return lines
}

// rateGraduated charges each band's share of the quantity at that band's
// rate. Bands are cumulative: UpTo is where the band ends, the final nil
// band is unbounded.
func rateGraduated(tiers []plandomain.PricingRuleTier, qty float64) float64 {
	var micros float64
	lower := 0.0
	for _, tier := range tiers {
		upper := math.Inf(1)
		if tier.UpTo != nil {
			upper = *tier.UpTo
		}
		if qty <= lower {
			break
		}
		band := math.Min(qty, upper) - lower
		micros += band * float64(tier.UnitPriceMicros)
		lower = upper
	}
	return micros
}

func halfUpCents(micros float64) int64 {
	return int64(math.Floor(micros/microsPerCent + 0.5))
}

// lineChecksum fingerprints a rated line within its period. Identical
// inputs rate to identical checksums, which is what makes period close
// replayable.
func lineChecksum(periodID snowflake.ID, line RatedLine) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%.6f|%d", periodID, line.Dimension, line.Quantity, line.AmountCents)))
	return hex.EncodeToString(sum[:])
}
