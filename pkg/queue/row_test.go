package queue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFormatSanitizesTabsAndNewlines guards the on-disk tab-delimited
// framing filequeue depends on: a field value carrying a tab or newline
// (e.g. ERRORMESSAGE populated from a filter's multi-line stderr) must
// not split the formatted line into extra columns or rows.
func TestFormatSanitizesTabsAndNewlines(t *testing.T) {
	row := NewRow(ReceiveRowType)
	row.Set("ROWID", "1")
	row.Set("ERRORMESSAGE", "exec failed\tline two\r\nline three")

	line := row.Format()

	require.Equal(t, len(ReceiveRowType.Fields)-1, strings.Count(line, "\t"),
		"formatted line must have exactly one tab per field separator, not extra tabs from field content")
	require.NotContains(t, line, "\n")
	require.NotContains(t, line, "\r")
	require.Contains(t, line, "exec failed line two  line three")
}

func TestFormatRoundTripsThroughFieldOrder(t *testing.T) {
	row := NewRow(SendTransportRowType)
	row.Set("ROWID", "42")
	row.Set("MESSAGEID", "msg-1")
	row.Set("SERVICE", "Invoices")

	line := row.Format()
	cols := strings.Split(line, "\t")
	require.Len(t, cols, len(SendTransportRowType.Fields))
	require.Equal(t, "42", cols[0])
	require.Equal(t, "msg-1", cols[1])
}
