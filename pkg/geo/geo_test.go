package geo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatherly/feedkit/pkg/querykeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func miles(v float64) *float64 { return &v }

func TestImpliesNearMe(t *testing.T) {
	cases := []struct {
		name string
		f    querykeys.Filters
		want bool
	}{
		{"empty", querykeys.Filters{}, false},
		{"sentinel", querykeys.Filters{Locations: []string{"austin", "Near-Me"}}, true},
		{"tight radius", querykeys.Filters{SearchRadius: miles(10)}, true},
		{"radius at threshold", querykeys.Filters{SearchRadius: miles(25)}, false},
		{"wide radius", querykeys.Filters{SearchRadius: miles(100)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ImpliesNearMe(tc.f, DefaultNearRadiusMiles))
		})
	}
}

func TestResolveCachesPosition(t *testing.T) {
	var calls atomic.Int32
	source := LocatorFunc(func(ctx context.Context) (Coordinates, error) {
		calls.Add(1)
		return Coordinates{Lat: 30.27, Lng: -97.74}, nil
	})

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	loc := NewCachedLocator(source, time.Second, 5*time.Minute)
	loc.now = func() time.Time { return now }

	pos := loc.Resolve(context.Background())
	require.NotNil(t, pos)
	assert.Equal(t, 30.27, pos.Lat)

	now = now.Add(4 * time.Minute)
	require.NotNil(t, loc.Resolve(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(2 * time.Minute)
	require.NotNil(t, loc.Resolve(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolveTimeoutDegradesToNil(t *testing.T) {
	source := LocatorFunc(func(ctx context.Context) (Coordinates, error) {
		time.Sleep(200 * time.Millisecond)
		return Coordinates{Lat: 1, Lng: 1}, nil
	})
	loc := NewCachedLocator(source, 20*time.Millisecond, time.Minute)

	start := time.Now()
	assert.Nil(t, loc.Resolve(context.Background()))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestResolveDeniedDegradesToNil(t *testing.T) {
	loc := NewCachedLocator(LocatorFunc(func(ctx context.Context) (Coordinates, error) {
		return Coordinates{}, ErrDenied
	}), time.Second, time.Minute)

	assert.Nil(t, loc.Resolve(context.Background()))
}

func TestStaticLocator(t *testing.T) {
	_, err := StaticLocator{}.CurrentPosition(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	pos, err := StaticLocator{Position: &Coordinates{Lat: 40.7, Lng: -74}}.CurrentPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -74.0, pos.Lng)

	assert.Nil(t, NewCachedLocator(nil, 0, 0).Resolve(context.Background()))
}
