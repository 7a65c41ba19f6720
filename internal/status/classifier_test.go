package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
)

func at(t time.Time) *time.Time { return &t }

func TestClassify(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	cases := []struct {
		name    string
		opening *time.Time
		closing *time.Time
		want    procurement.Status
	}{
		{"no opening", nil, at(now.Add(day)), procurement.StatusUnknown},
		{"no opening no closing", nil, nil, procurement.StatusUnknown},
		{"future", at(now.Add(day)), at(now.Add(2 * day)), procurement.StatusFuture},
		{"open", at(now.Add(-day)), at(now.Add(day)), procurement.StatusOpen},
		{"closed", at(now.Add(-2 * day)), at(now.Add(-day)), procurement.StatusClosed},
		{"closes exactly now", at(now.Add(-day)), at(now), procurement.StatusClosed},
		{"opens exactly now", at(now), nil, procurement.StatusOpen},
		{"open without closing", at(now.Add(-day)), nil, procurement.StatusOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.opening, tc.closing, now))
		})
	}
}

func TestClassifyRawParsesUpstreamLayouts(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("BRT", -3*60*60)
	c := NewClassifier(loc, nil)
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	res := c.ClassifyRaw("2024-05-09T08:00:00", "2024-05-20 18:00:00", now)
	require.Equal(t, procurement.StatusOpen, res.Status)
	require.NotNil(t, res.OpeningAt)
	require.Equal(t, time.Date(2024, 5, 9, 11, 0, 0, 0, time.UTC), res.OpeningAt.UTC())
	require.NotNil(t, res.ClosingAt)

	res = c.ClassifyRaw("2024-06-01", "", now)
	require.Equal(t, procurement.StatusFuture, res.Status)
	require.Nil(t, res.ClosingAt)

	res = c.ClassifyRaw("", "2024-06-01T00:00:00Z", now)
	require.Equal(t, procurement.StatusUnknown, res.Status)

	res = c.ClassifyRaw("2024-05-01T00:00:00-03:00", "2024-05-02T00:00:00-03:00", now)
	require.Equal(t, procurement.StatusClosed, res.Status)
}

func TestClassifyRawMalformedIsOpenAndLoggedOnce(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	c := NewClassifier(time.UTC, zap.New(core))
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	res := c.ClassifyRaw("amanhã", "não informado", now)
	require.Equal(t, procurement.StatusOpen, res.Status)
	require.Nil(t, res.OpeningAt)
	require.Nil(t, res.ClosingAt)
	require.Equal(t, 1, logs.Len())

	res = c.ClassifyRaw("2024-05-01T00:00:00", "31/12/2024", now)
	require.Equal(t, procurement.StatusOpen, res.Status)
	require.NotNil(t, res.OpeningAt)
	require.Nil(t, res.ClosingAt)
	require.Equal(t, 2, logs.Len())
}

func TestClassifyRawAbsentOpeningIsUnknownWhateverTheClosing(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	c := NewClassifier(time.UTC, zap.New(core))
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	for _, closing := range []string{"", "not-a-date", "2024-05-01T00:00:00", "2024-06-01T00:00:00"} {
		res := c.ClassifyRaw("", closing, now)
		require.Equal(t, procurement.StatusUnknown, res.Status, "closing %q", closing)
		require.Nil(t, res.OpeningAt)
	}
	require.Zero(t, logs.Len())
}
