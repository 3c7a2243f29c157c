package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
)

var testOpts = AccountOptions{BcryptCost: 4, MinPasswordLen: 4}

func openStore[V any](t *testing.T, name string, b recordstore.Backend) *recordstore.Store[string, V] {
	t.Helper()
	s, err := recordstore.Open[string, V](context.Background(), name, b)
	require.NoError(t, err)
	return s
}
