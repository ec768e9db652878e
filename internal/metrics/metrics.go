// Package metrics collects counters and gauges for ingest and recall runs.
// Nothing here starts a network listener — the `health` subcommand reads
// the registry in-process and dumps it as text.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/expfmt"
)

// Registry holds every counter/gauge agenr reports, registered against a
// private prometheus.Registry rather than the global default so tests can
// construct a fresh one per run.
type Registry struct {
	reg *prometheus.Registry

	FilesIngested     prometheus.Counter
	FilesSkipped      prometheus.Counter
	FilesFailed       prometheus.Counter
	EntriesExtracted  prometheus.Counter
	EntriesStored     prometheus.Counter
	EntriesReinforced prometheus.Counter
	EntriesSuperseded prometheus.Counter
	DedupLLMCalls     prometheus.Counter
	LLMErrors         *prometheus.CounterVec
	RecallQueries     *prometheus.CounterVec
	RecallLatency     prometheus.Histogram
	WriteQueueDepth   prometheus.Gauge
}

// New builds and registers a fresh Registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.FilesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_files_ingested_total", Help: "Files successfully ingested.",
	})
	r.FilesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_files_skipped_total", Help: "Files skipped because their content hash was unchanged.",
	})
	r.FilesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_files_failed_total", Help: "Failed file ingest attempts, counted once per attempt including retry rounds.",
	})
	r.EntriesExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_entries_extracted_total", Help: "Candidate entries returned by the extractor before dedup.",
	})
	r.EntriesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_entries_stored_total", Help: "New entries inserted by dedup reconciliation.",
	})
	r.EntriesReinforced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_entries_reinforced_total", Help: "Entries reinforced in place rather than inserted.",
	})
	r.EntriesSuperseded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_entries_superseded_total", Help: "Entries marked superseded by a newer candidate.",
	})
	r.DedupLLMCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenr_dedup_llm_calls_total", Help: "Arbitration calls made for mid-band embedding similarity.",
	})
	r.LLMErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenr_llm_errors_total", Help: "LLM provider errors by classified kind.",
	}, []string{"kind"})
	r.RecallQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenr_recall_queries_total", Help: "Recall invocations by execution path.",
	}, []string{"path"})
	r.RecallLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "agenr_recall_latency_seconds", Help: "Recall query latency.",
		Buckets: prometheus.DefBuckets,
	})
	r.WriteQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agenr_write_queue_depth", Help: "Pending entries in the write queue.",
	})

	r.reg.MustRegister(
		r.FilesIngested, r.FilesSkipped, r.FilesFailed,
		r.EntriesExtracted, r.EntriesStored, r.EntriesReinforced, r.EntriesSuperseded,
		r.DedupLLMCalls, r.LLMErrors, r.RecallQueries, r.RecallLatency, r.WriteQueueDepth,
	)
	return r
}

// Dump renders every registered metric in Prometheus text exposition format,
// for the `health` subcommand to print — no HTTP server involved.
func (r *Registry) Dump() (string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}
