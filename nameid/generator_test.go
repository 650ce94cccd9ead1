package nameid

import (
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9]+_\d{8}_[0-9a-f]{12}_[0-9a-f]{2}$`)

func TestNextMatchesShape(t *testing.T) {
	mc := clock.NewMock()
	mc.Set(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	g, err := New("DES", 7, 40, WithClock(mc))
	require.NoError(t, err)

	name := g.Next()
	require.Regexp(t, namePattern, name)
	require.Contains(t, name, "_20260731_")
}

func TestNextNoCollisionSameMillisecond(t *testing.T) {
	mc := clock.NewMock()
	mc.Set(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	g, err := New("DES", 1, 40, WithClock(mc))
	require.NoError(t, err)

	a := g.Next()
	b := g.Next()
	require.NotEqual(t, a, b)
}

func TestNextCounterResetsOnDayBoundary(t *testing.T) {
	mc := clock.NewMock()
	mc.Set(time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC))
	g, err := New("DES", 1, 40, WithClock(mc))
	require.NoError(t, err)

	_ = g.Next()
	_ = g.Next()
	mc.Set(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	name := g.Next()
	require.Contains(t, name, "_20260801_")
	require.True(t, regexp.MustCompile(`_00$`).MatchString(name))
}

func TestNewRejectsBadPrefix(t *testing.T) {
	_, err := New("bad prefix!", 1, 8)
	require.Error(t, err)
}

func TestNewRejectsBadWrapBits(t *testing.T) {
	_, err := New("ok", 1, 0)
	require.Error(t, err)
	_, err = New("ok", 1, 41)
	require.Error(t, err)
}
