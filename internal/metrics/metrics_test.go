package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDumpIncludesRegisteredCounters(t *testing.T) {
	r := New()
	r.FilesIngested.Add(3)
	r.RecallQueries.WithLabelValues("semantic").Inc()

	out, err := r.Dump()
	require.NoError(t, err)
	require.Contains(t, out, "agenr_files_ingested_total 3")
	require.True(t, strings.Contains(out, `agenr_recall_queries_total{path="semantic"} 1`))
}
