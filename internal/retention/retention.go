// Package retention translates a retention policy into borg prune arguments
// and computes grandfather-father-son retention plans locally.
package retention

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/fgeck/borg-timemachine/internal/models"
)

var withinPattern = regexp.MustCompile(`^([0-9]+)([Hdwmy])$`)

// NormalizeWithin trims s and spells hours the way borg expects, so "24h"
// becomes "24H". Lower-case m stays months.
func NormalizeWithin(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "h") {
		s = strings.TrimSuffix(s, "h") + "H"
	}
	return s
}

// ParseWithin parses a borg interval such as "24H" or "7d". A lower-case h
// is read as hours. Months count as 31 days and years as 365 days, as borg
// does.
func ParseWithin(s string) (time.Duration, error) {
	m := withinPattern.FindStringSubmatch(NormalizeWithin(s))
	if m == nil {
		return 0, fmt.Errorf("invalid interval %q: expected a number followed by one of H, d, w, m, y (e.g. 24H)", s)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid interval %q: must be greater than zero", s)
	}

	var unit time.Duration
	switch m[2] {
	case "H":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	case "m":
		unit = 31 * 24 * time.Hour
	case "y":
		unit = 365 * 24 * time.Hour
	}

	return time.Duration(n) * unit, nil
}

// Directive is one borg prune retention flag.
type Directive struct {
	Flag  string
	Value string
}

// Arg renders the directive as a single command-line argument.
func (d Directive) Arg() string {
	return fmt.Sprintf("%s=%s", d.Flag, d.Value)
}

// Directives returns the retention flags for borg prune, keep-within first and
// then the buckets from finest to coarsest. Zero counts are omitted.
func Directives(policy models.RetentionPolicy) []Directive {
	var out []Directive

	if policy.Within != "" {
		out = append(out, Directive{Flag: "--keep-within", Value: NormalizeWithin(policy.Within)})
	}

	counts := []struct {
		flag string
		n    int
	}{
		{"--keep-hourly", policy.Hourly},
		{"--keep-daily", policy.Daily},
		{"--keep-weekly", policy.Weekly},
		{"--keep-monthly", policy.Monthly},
		{"--keep-yearly", policy.Yearly},
	}
	for _, c := range counts {
		if c.n > 0 {
			out = append(out, Directive{Flag: c.flag, Value: strconv.Itoa(c.n)})
		}
	}

	return out
}

// ArchiveGlob returns the borg glob matching exactly the archives created for
// destination. The timestamp part is fixed width so "home" never matches
// archives of a "home-extra" destination.
func ArchiveGlob(destination string) string {
	stamp := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return '?'
		}
		return r
	}, models.ArchiveTimeFormat)

	return destination + "-" + stamp
}

// Select returns the archives of destination, matched the same way borg
// matches ArchiveGlob.
func Select(destination string, archives []models.Archive) []models.Archive {
	glob := ArchiveGlob(destination)
	var out []models.Archive
	for _, a := range archives {
		if ok, _ := path.Match(glob, a.Name); ok {
			out = append(out, a)
		}
	}
	return out
}

// Args returns the complete retention arguments for pruning one job's archives.
func Args(policy models.RetentionPolicy, destination string) []string {
	args := []string{"--glob-archives", ArchiveGlob(destination)}
	for _, d := range Directives(policy) {
		args = append(args, d.Arg())
	}
	return args
}

// Validate checks that a policy is usable by borg prune.
func Validate(policy models.RetentionPolicy) error {
	if policy.Within != "" {
		if _, err := ParseWithin(policy.Within); err != nil {
			return err
		}
	}

	counts := []struct {
		name string
		n    int
	}{
		{"hourly", policy.Hourly},
		{"daily", policy.Daily},
		{"weekly", policy.Weekly},
		{"monthly", policy.Monthly},
		{"yearly", policy.Yearly},
	}
	for _, c := range counts {
		if c.n < 0 {
			return fmt.Errorf("%s must not be negative, got %d", c.name, c.n)
		}
	}

	if policy.IsEmpty() {
		return fmt.Errorf("policy keeps nothing: set within or at least one bucket count")
	}

	return nil
}
