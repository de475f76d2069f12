// Package summary folds a batch's per-unit outcomes into one structured
// document: counts and byte totals per terminal status, retained trace
// files, and the offending unit lists for audit. The fold is pure; writing
// the document anywhere is the caller's business.
package summary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fltools/mtrace/internal/config"
	"github.com/fltools/mtrace/internal/orchestrate"
)

// Bucket aggregates one terminal status.
type Bucket struct {
	Count int      `json:"count"`
	Bytes int64    `json:"bytes"`
	Tests []string `json:"tests,omitempty"`
	Files []string `json:"files,omitempty"`
}

func (b *Bucket) add(out orchestrate.Outcome) {
	b.Count++
	b.Bytes += out.TraceSize
	b.Tests = append(b.Tests, out.Unit.ID())
	if out.TraceFile != "" {
		b.Files = append(b.Files, filepath.Base(out.TraceFile))
	}
}

// Summary is the batch result document.
type Summary struct {
	Config config.Echo `json:"config"`
	Units  int         `json:"units"`

	Completed              Bucket `json:"completed"`
	TimedOut               Bucket `json:"timed_out"`
	SkippedTooManySubtests Bucket `json:"skipped_too_many_subtests"`
	SkippedOversize        Bucket `json:"skipped_oversize"`

	// SingleMethodCount counts units that ran in single-method isolation.
	SingleMethodCount int `json:"single_method_count"`

	// RetainedFiles and RetainedBytes cover completed units only; discarded
	// oversize and timed-out traces contribute zero.
	RetainedFiles []string `json:"retained_files"`
	RetainedBytes int64    `json:"retained_bytes"`

	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

// Aggregate folds the batch. Bucket counts always sum to len(outcomes); an
// all-failed batch, or one with zero retained traces, is still a valid
// summary.
func Aggregate(echo config.Echo, outcomes []orchestrate.Outcome, started, finished time.Time) *Summary {
	s := &Summary{
		Config:     echo,
		Units:      len(outcomes),
		StartedAt:  started,
		FinishedAt: finished,
	}
	s.ElapsedSeconds = finished.Sub(started).Seconds()

	for _, out := range outcomes {
		switch out.Status {
		case orchestrate.StatusCompleted:
			s.Completed.add(out)
			s.RetainedBytes += out.TraceSize
			if out.TraceFile != "" {
				s.RetainedFiles = append(s.RetainedFiles, filepath.Base(out.TraceFile))
			}
		case orchestrate.StatusTimedOut:
			s.TimedOut.add(out)
		case orchestrate.StatusSkippedSubtests:
			s.SkippedTooManySubtests.add(out)
		case orchestrate.StatusSkippedOversize:
			s.SkippedOversize.add(out)
		}
		if out.Mode == orchestrate.ModeSingleMethod {
			s.SingleMethodCount++
		}
	}
	return s
}

// WriteFile persists the summary as indented JSON.
func (s *Summary) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
