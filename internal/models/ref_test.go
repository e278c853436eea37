package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefKey(t *testing.T) {
	require.Equal(t, "delivery:7", Ref{Kind: RefDelivery, ID: 7}.Key())
	require.Equal(t, "vehicle:3", Ref{Kind: RefVehicle, ID: 3}.Key())
	require.Equal(t, "request:12", Ref{Kind: RefRequest, ID: 12}.Key())
}
