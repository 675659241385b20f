package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifierWritesWarning(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Alert(context.Background(), "operator submission hit the repeat threshold"))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "pipeline alert", entries[0].Message)
	require.Equal(t, "operator submission hit the repeat threshold", entries[0].ContextMap()["message"])
}

func TestNewPubSubNotifierRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := NewPubSubNotifier(nil)
	require.Error(t, err)
}
