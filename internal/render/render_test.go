package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fltools/mtrace/internal/summary"
)

func sampleSummary() *summary.Summary {
	return &summary.Summary{
		Units:          4,
		ElapsedSeconds: 12.5,
		Completed: summary.Bucket{
			Count: 2,
			Bytes: 140,
			Tests: []string{"example.com/t/a::TestA", "example.com/t/b"},
		},
		TimedOut: summary.Bucket{
			Count: 1,
			Tests: []string{"example.com/t/slow"},
		},
		SkippedOversize: summary.Bucket{
			Count: 1,
			Bytes: 5000,
			Tests: []string{"example.com/t/huge"},
		},
		SingleMethodCount: 1,
		RetainedFiles:     []string{"a.log", "b.log"},
		RetainedBytes:     140,
	}
}

func TestRender_When_Piped_EmitsPlainKeyValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	Render(&buf, sampleSummary())

	out := buf.String()
	assert.Contains(t, out, "units=4 elapsed=12.5s")
	assert.Contains(t, out, "completed=2 timed_out=1 skipped_too_many_subtests=0 skipped_oversize=1")
	assert.Contains(t, out, "single_method=1 retained_bytes=140 retained_files=2")
}

func TestRenderPlain_ListsOffendingUnits(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderPlain(&buf, sampleSummary())

	assert.Contains(t, buf.String(), "timed_out: example.com/t/slow")
	assert.Contains(t, buf.String(), "skipped_oversize: example.com/t/huge")
}

func TestRenderStyled_IncludesBucketRows(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderStyled(&buf, sampleSummary())

	out := buf.String()
	assert.Contains(t, out, "mtrace batch summary")
	assert.Contains(t, out, "completed 2")
	assert.Contains(t, out, "example.com/t/slow")
	assert.Contains(t, out, "single-method runs")
}

func TestRenderStyled_EmptyBatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderStyled(&buf, &summary.Summary{})

	assert.Contains(t, buf.String(), "completed 0")
}
