package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCoordinates(t *testing.T) {
	p, err := parseCoordinates("44.812345", "20.412345")
	require.NoError(t, err)
	require.InDelta(t, 44.812345, p.Lat, 1e-9)
	require.InDelta(t, 20.412345, p.Lon, 1e-9)

	_, err = parseCoordinates("abc", "20")
	require.Error(t, err)

	_, err = parseCoordinates("91.0", "20")
	require.Error(t, err)
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.FetchActivities(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = s.ListRecentNotifications(ctx, 5)
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = s.DeleteNotificationsBefore(ctx, time.Now())
	require.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = s.TryAdvisoryLock(ctx, 1)
	require.ErrorIs(t, err, ErrNotConfigured)

	s.Close()
}
