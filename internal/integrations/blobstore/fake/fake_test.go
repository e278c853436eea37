package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeClient_Put(t *testing.T) {
	f := New()

	p1, err := f.Put(context.Background(), "proof/1/photo.jpg", "image/jpeg", []byte("a"))
	require.NoError(t, err)
	p2, err := f.Put(context.Background(), "proof/1/photo.jpg", "image/jpeg", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, p1, p2)

	b, ok := f.Stored("proof/1/photo.jpg")
	require.True(t, ok)
	require.Equal(t, []byte("b"), b)
}
