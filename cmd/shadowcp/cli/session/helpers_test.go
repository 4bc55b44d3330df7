package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/jsonutil"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := jsonutil.MarshalIndentWithNewline(v, "", "  ")
	require.NoError(t, err)
	return data
}
