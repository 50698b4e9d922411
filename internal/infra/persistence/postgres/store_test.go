package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	require.NotNil(t, store)
	require.Nil(t, store.Pool())
	require.NotNil(t, store.Market())
	require.NotNil(t, store.Outbox())
	store.Close()
}
