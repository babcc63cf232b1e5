package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBound(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		expr string
		want *time.Time
	}{
		{"", nil},
		{"now", &now},
		{"NOW", &now},
		{"-1 day", ptr(now.Add(-24 * time.Hour))},
		{"3 hours ago", ptr(now.Add(-3 * time.Hour))},
		{"-2 weeks", ptr(now.Add(-14 * 24 * time.Hour))},
		{"-90m", ptr(now.Add(-90 * time.Minute))},
		{"2024-05-01", ptr(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))},
		{"2024-05-01T08:30:00Z", ptr(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC))},
		{"2024-05-01T10:30:00+02:00", ptr(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC))},
		{"2024-05-01 08:30:00", ptr(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC))},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ParseBound(tc.expr, now)
			require.NoError(t, err)
			if tc.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.True(t, tc.want.Equal(*got), "want %s got %s", tc.want, got)
		})
	}
}

func TestParseBoundRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"yesterday-ish", "-1 fortnight", "five days ago", "2024-13-01"} {
		_, err := ParseBound(expr, time.Now())
		require.Error(t, err, expr)
	}
}

func TestParseWindowOrder(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	w, err := ParseWindow("-1 day", "now", now)
	require.NoError(t, err)
	require.True(t, w.Start.Equal(now.Add(-24*time.Hour)))
	require.True(t, w.End.Equal(now))

	_, err = ParseWindow("now", "-1 day", now)
	require.Error(t, err)

	w, err = ParseWindow("", "", now)
	require.NoError(t, err)
	require.Nil(t, w.Start)
	require.Nil(t, w.End)
	require.Equal(t, "[default, default]", w.String())
}

func ptr(t time.Time) *time.Time { return &t }
