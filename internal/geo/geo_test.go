package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDistanceKm_SamePointIsZero(t *testing.T) {
	require.Zero(t, DistanceKm(55.7558, 37.6173, 55.7558, 37.6173))
}

func TestDistanceKm_Symmetric(t *testing.T) {
	a := DistanceKm(55.7558, 37.6173, 59.9343, 30.3351)
	b := DistanceKm(59.9343, 30.3351, 55.7558, 37.6173)
	require.InDelta(t, a, b, 1e-9)
}

func TestDistanceKm_KnownDistance(t *testing.T) {
	// Moscow -> Saint Petersburg, ~634 km great-circle.
	d := DistanceKm(55.7558, 37.6173, 59.9343, 30.3351)
	require.InDelta(t, 634, d, 5)
}

func TestDistanceKm_ShortHop(t *testing.T) {
	// One degree of latitude is ~111 km.
	d := DistanceKm(0, 0, 1, 0)
	require.InDelta(t, 111.19, d, 0.1)
}

func TestETAMinutes(t *testing.T) {
	require.Equal(t, 0, ETAMinutes(0, 60))
	require.Equal(t, 0, ETAMinutes(10, 0))
	require.Equal(t, 1, ETAMinutes(0.1, 60))
	require.Equal(t, 12, ETAMinutes(12, 60))
	require.Equal(t, 13, ETAMinutes(12.5, 60))
}

func TestValidLatLon(t *testing.T) {
	require.True(t, ValidLat(90))
	require.True(t, ValidLat(-90))
	require.False(t, ValidLat(90.0001))
	require.True(t, ValidLon(180))
	require.True(t, ValidLon(-180))
	require.False(t, ValidLon(-180.5))
}
