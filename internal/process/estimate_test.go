package process

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		typ      Type
		metadata map[string]any
		want     int
	}{
		{"transcription by duration", TypeTranscription, map[string]any{"duration_seconds": 180}, 3},
		{"transcription rounds duration up", TypeTranscription, map[string]any{"duration_seconds": 61.0}, 2},
		{"transcription camel case duration", TypeTranscription, map[string]any{"durationSeconds": json.Number("120")}, 2},
		{"transcription by file size", TypeTranscription, map[string]any{"file_size_bytes": 3*1024*1024 + 1}, 4},
		{"transcription tiny file", TypeTranscription, map[string]any{"file_size_bytes": 10}, 1},
		{"transcription fallback", TypeTranscription, nil, 5},
		{"transcription ignores junk", TypeTranscription, map[string]any{"duration_seconds": "soon"}, 5},
		{"transcription ignores infinite duration", TypeTranscription, map[string]any{"duration_seconds": "Inf"}, 5},
		{"transcription ignores NaN size", TypeTranscription, map[string]any{"file_size_bytes": math.NaN()}, 5},
		{"transcription caps huge duration", TypeTranscription, map[string]any{"duration_seconds": 1e300}, maxEstimatedMinutes},
		{"transcription caps huge size", TypeTranscription, map[string]any{"fileSizeBytes": math.MaxFloat64}, maxEstimatedMinutes},
		{"action plan caps huge counts", TypeActionPlan, map[string]any{"source_transcripts": math.MaxInt64}, maxEstimatedMinutes},
		{"analysis", TypeAnalysis, map[string]any{"duration_seconds": 900}, 3},
		{"action plan minimum", TypeActionPlan, nil, 2},
		{"action plan from lists", TypeActionPlan, map[string]any{
			"source_transcripts": []any{"t1", "t2"},
			"source_analyses":    []string{"a1"},
		}, 5},
		{"action plan from counts", TypeActionPlan, map[string]any{"sourceTranscripts": 4, "sourceAnalyses": 1}, 8},
		{"mockup uses default", TypeMockup, nil, 5},
		{"unknown type uses default", Type("translation"), nil, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Estimate(tc.typ, tc.metadata))
		})
	}
}
