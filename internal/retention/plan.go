package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
)

// Rule names why an archive was kept.
type Rule string

// Retention rules, within first, then the buckets from coarsest to finest.
const (
	RuleWithin  Rule = "within"
	RuleYearly  Rule = "yearly"
	RuleMonthly Rule = "monthly"
	RuleWeekly  Rule = "weekly"
	RuleDaily   Rule = "daily"
	RuleHourly  Rule = "hourly"
)

// periodKey maps an archive time to the bucket it represents for a rule.
func periodKey(rule Rule, t time.Time) string {
	switch rule {
	case RuleYearly:
		return t.Format("2006")
	case RuleMonthly:
		return t.Format("2006-01")
	case RuleWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case RuleDaily:
		return t.Format("2006-01-02")
	case RuleHourly:
		return t.Format("2006-01-02T15")
	}
	return ""
}

// Kept is an archive selected for retention.
type Kept struct {
	Archive models.Archive
	Rule    Rule
	Period  string // bucket key, empty for RuleWithin
}

// Plan is the outcome of applying a policy to a set of archives.
// Both lists are ordered newest first.
type Plan struct {
	Keep  []Kept
	Prune []models.Archive
}

// KeptBy returns the archives kept by the given rule.
func (p Plan) KeptBy(rule Rule) []models.Archive {
	var out []models.Archive
	for _, k := range p.Keep {
		if k.Rule == rule {
			out = append(out, k.Archive)
		}
	}
	return out
}

// sortNewestFirst orders archives by time, newest first. Identical times are
// ordered by name, lexically greater first, which gives a total order.
func sortNewestFirst(archives []models.Archive) {
	sort.SliceStable(archives, func(i, j int) bool {
		if !archives[i].Time.Equal(archives[j].Time) {
			return archives[i].Time.After(archives[j].Time)
		}
		return archives[i].Name > archives[j].Name
	})
}

// NewPlan decides which archives a policy keeps at the given instant. It does
// not touch any repository.
//
// Archives younger than the within interval are always kept. The remaining
// candidates are walked once per bucket rule, coarsest first; the newest
// archive of each period represents it and is kept until the rule's count is
// used up. A representative already kept by a coarser rule does not consume
// the count. Everything else is pruned.
func NewPlan(policy models.RetentionPolicy, archives []models.Archive, now time.Time) (Plan, error) {
	if err := Validate(policy); err != nil {
		return Plan{}, err
	}

	var within time.Duration
	if policy.Within != "" {
		d, err := ParseWithin(policy.Within)
		if err != nil {
			return Plan{}, err
		}
		within = d
	}

	sorted := make([]models.Archive, len(archives))
	copy(sorted, archives)
	sortNewestFirst(sorted)

	kept := make(map[int]Kept, len(sorted))
	var candidates []int
	for i, a := range sorted {
		if within > 0 && now.Sub(a.Time) < within {
			kept[i] = Kept{Archive: a, Rule: RuleWithin}
			continue
		}
		candidates = append(candidates, i)
	}

	rules := []struct {
		rule Rule
		n    int
	}{
		{RuleYearly, policy.Yearly},
		{RuleMonthly, policy.Monthly},
		{RuleWeekly, policy.Weekly},
		{RuleDaily, policy.Daily},
		{RuleHourly, policy.Hourly},
	}

	for _, r := range rules {
		if r.n <= 0 {
			continue
		}

		count := 0
		last := ""
		for _, i := range candidates {
			if count == r.n {
				break
			}
			key := periodKey(r.rule, sorted[i].Time)
			if key == last {
				continue
			}
			last = key
			if _, ok := kept[i]; ok {
				continue
			}
			kept[i] = Kept{Archive: sorted[i], Rule: r.rule, Period: key}
			count++
		}
	}

	var plan Plan
	for i, a := range sorted {
		if k, ok := kept[i]; ok {
			plan.Keep = append(plan.Keep, k)
		} else {
			plan.Prune = append(plan.Prune, a)
		}
	}

	return plan, nil
}
