// Package metrics exposes the prometheus collectors the session records
// against, following the corpus's convention
// (see go/network/metrics.go) of package-level promauto vectors rather than
// a constructed registry passed around by hand.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamstore_commits_total",
	Help: "counter of commitChanges outcomes, by result",
}, []string{"result"})

var foldDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "streamstore_fold_duration_seconds",
	Help:    "duration of folding a batch of store-returned commits into a session",
	Buckets: prometheus.DefBuckets,
}, []string{"reason"})

// Result labels used with Recorder.Commit.
const (
	ResultCommitted    = "committed"
	ResultNoop         = "noop"
	ResultConflict     = "conflict"
	ResultDuplicate    = "duplicate"
	ResultStorageError = "storage_error"
)

// Reason labels used with Recorder.Fold.
const (
	ReasonLoad      = "load"
	ReasonCommit    = "commit"
	ReasonReconcile = "reconcile"
)

// Recorder is the metrics facade the session takes by (possibly nil)
// pointer; a nil *Recorder is a valid no-op, so instrumentation never
// requires a test double.
type Recorder struct{}

// NewRecorder returns a Recorder backed by the package-level collectors
// registered with the default prometheus registry.
func NewRecorder() *Recorder { return &Recorder{} }

// Commit records the outcome of one commitChanges call.
func (r *Recorder) Commit(result string) {
	if r == nil {
		return
	}
	commitsTotal.WithLabelValues(result).Inc()
}

// Fold records the wall-clock cost of folding commits for the given reason.
func (r *Recorder) Fold(reason string, elapsed time.Duration) {
	if r == nil {
		return
	}
	foldDuration.WithLabelValues(reason).Observe(elapsed.Seconds())
}
