package retention

import (
	"testing"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWithin(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"24H", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1m", 31 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{" 12H ", 12 * time.Hour},
		{"24h", 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWithin(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWithin_Invalid(t *testing.T) {
	for _, in := range []string{"", "24", "H", "h", "1.5d", "-3d", "0d", "3 days", "24M"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseWithin(in)
			assert.Error(t, err)
		})
	}
}

func TestDirectives_LowerCaseHoursReachBorgAsH(t *testing.T) {
	got := Args(models.RetentionPolicy{Within: "48h", Daily: 7}, "home")

	assert.Contains(t, got, "--keep-within=48H")
	assert.NotContains(t, got, "--keep-within=48h")
}

func TestParseWithin_ErrorSuggestsNotation(t *testing.T) {
	_, err := ParseWithin("2 days")

	assert.ErrorContains(t, err, "e.g. 24H")
}

func TestDirectives_Order(t *testing.T) {
	policy := models.RetentionPolicy{
		Within:  "24H",
		Hourly:  24,
		Daily:   7,
		Weekly:  4,
		Monthly: 6,
		Yearly:  2,
	}

	var args []string
	for _, d := range Directives(policy) {
		args = append(args, d.Arg())
	}

	assert.Equal(t, []string{
		"--keep-within=24H",
		"--keep-hourly=24",
		"--keep-daily=7",
		"--keep-weekly=4",
		"--keep-monthly=6",
		"--keep-yearly=2",
	}, args)
}

func TestDirectives_OmitsZeroCounts(t *testing.T) {
	policy := models.RetentionPolicy{Daily: 7, Monthly: 3}

	directives := Directives(policy)

	require.Len(t, directives, 2)
	assert.Equal(t, "--keep-daily", directives[0].Flag)
	assert.Equal(t, "--keep-monthly", directives[1].Flag)
}

func TestArchiveGlob(t *testing.T) {
	assert.Equal(t, "home-????-??-??T??-??-??Z", ArchiveGlob("home"))
}

func TestSelect(t *testing.T) {
	archives := []models.Archive{
		{Name: "home-2024-03-01T03-00-00Z"},
		{Name: "home-extra-2024-03-01T03-00-00Z"},
		{Name: "home-2024-03-01T03-00-00Z.checkpoint"},
		{Name: "etc-2024-03-01T03-00-00Z"},
		{Name: "home-manual"},
		{Name: "home-2024-02-29T03-00-00Z"},
	}

	var names []string
	for _, a := range Select("home", archives) {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"home-2024-03-01T03-00-00Z", "home-2024-02-29T03-00-00Z"}, names)
	assert.Empty(t, Select("var", archives))
}

func TestArgs(t *testing.T) {
	args := Args(models.RetentionPolicy{Within: "2d", Weekly: 4}, "etc")

	assert.Equal(t, []string{
		"--glob-archives", "etc-????-??-??T??-??-??Z",
		"--keep-within=2d",
		"--keep-weekly=4",
	}, args)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(models.RetentionPolicy{Within: "24H"}))
	assert.NoError(t, Validate(models.RetentionPolicy{Daily: 1}))

	err := Validate(models.RetentionPolicy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeps nothing")

	err = Validate(models.RetentionPolicy{Daily: 7, Weekly: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weekly")

	assert.Error(t, Validate(models.RetentionPolicy{Within: "forever"}))
}
