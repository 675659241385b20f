package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewRawIDUniqueAndOrdered(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	first, err := gen.NewRawID()
	require.NoError(t, err)
	second, err := gen.NewRawID()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, goUUID.Version(7), first.Version())
}

func TestNewIDParses(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	id, err := gen.NewID()
	require.NoError(t, err)
	_, err = goUUID.Parse(id)
	require.NoError(t, err)
}
