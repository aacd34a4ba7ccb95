package ratelimiter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiter_GlobalPerMinute(t *testing.T) {
	l := New(Limits{GlobalPerMinute: 2})

	require.NoError(t, l.Check(""))
	l.Record("")
	require.NoError(t, l.Check(""))
	l.Record("")

	err := l.Check("")
	require.Error(t, err)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, ReasonGlobalPerMinute, limitErr.Reason)
	require.True(t, errors.Is(err, ErrRateLimited))
}

func TestLimiter_PerKeyIsIndependentOfOtherKeys(t *testing.T) {
	l := New(Limits{PerKeyPerMinute: 1})

	require.NoError(t, l.Check("alice"))
	l.Record("alice")

	require.Error(t, l.Check("alice"))
	require.NoError(t, l.Check("bob"))
}

func TestLimiter_ZeroLimitDisablesBucket(t *testing.T) {
	l := New(Limits{})

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check("anything"))
		l.Record("anything")
	}
}

func TestLimiter_EmptyKeyOnlyChecksGlobalTier(t *testing.T) {
	l := New(Limits{PerKeyPerMinute: 1, GlobalPerMinute: 1000})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(""))
		l.Record("")
	}
}

func TestLimiter_PerKeyHourlyCeiling(t *testing.T) {
	l := New(Limits{PerKeyPerHour: 1})

	require.NoError(t, l.Check("k"))
	l.Record("k")

	err := l.Check("k")
	require.Error(t, err)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, ReasonPerKeyPerHour, limitErr.Reason)
}
