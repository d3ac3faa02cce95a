package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), mr.Addr(), 4)
	require.NoError(t, err)
	require.Equal(t, 4, client.Options().PoolSize)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = New(context.Background(), mr.Addr(), 0)
	require.Error(t, err)
}
