package pgclientlib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStrings(t *testing.T) {
	require.Equal(t, "NotConnected", StateNotConnected.String())
	require.Equal(t, "ReadyForQuery", StateReadyForQuery.String())
	require.Equal(t, "CopyIn", StateCopyIn.String())
	require.Equal(t, "Invalid", SessionState(99).String())

	require.Equal(t, "Idle", TxIdle.String())
	require.Equal(t, "Active", TxActive.String())
	require.Equal(t, "Error", TxError.String())

	require.Equal(t, "None", FormatNone.String())
	require.Equal(t, "Query", FormatQuery.String())
	require.Equal(t, "CopyText", FormatCopyText.String())
	require.Equal(t, "CopyBinary", FormatCopyBinary.String())
}
