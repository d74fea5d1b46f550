package process

import (
	"math"
	"reflect"

	"github.com/spf13/cast"
)

const (
	bytesPerEstimatedMinute  = 1024 * 1024
	fallbackMinutes          = 5
	analysisMinutes          = 3
	actionPlanMinimumMinutes = 2
	actionPlanMinutesPerItem = 1.5
	maxEstimatedMinutes      = 7 * 24 * 60
)

// Estimate maps a process type and its metadata to an expected duration in
// minutes. It never fails; unknown types get the fallback.
func Estimate(t Type, metadata map[string]any) int {
	switch t {
	case TypeTranscription:
		if secs := lookupFloat(metadata, "duration_seconds", "durationSeconds", "duration"); secs > 0 {
			return minutes(secs / 60)
		}
		if size := lookupFloat(metadata, "file_size_bytes", "fileSizeBytes", "fileSize"); size > 0 {
			return max(1, minutes(size/bytesPerEstimatedMinute))
		}
		return fallbackMinutes
	case TypeAnalysis:
		return analysisMinutes
	case TypeActionPlan:
		sources := float64(lookupCount(metadata, "source_transcripts", "sourceTranscripts")) +
			float64(lookupCount(metadata, "source_analyses", "sourceAnalyses"))
		return max(actionPlanMinimumMinutes, minutes(actionPlanMinutesPerItem*sources))
	default:
		return fallbackMinutes
	}
}

// minutes rounds v up and caps it, so huge metadata values stay convertible.
func minutes(v float64) int {
	return int(math.Ceil(math.Min(v, maxEstimatedMinutes)))
}

func lookup(metadata map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := metadata[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupFloat(metadata map[string]any, keys ...string) float64 {
	v, ok := lookup(metadata, keys...)
	if !ok {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// lookupCount accepts either a list of sources or a plain count.
func lookupCount(metadata map[string]any, keys ...string) int {
	v, ok := lookup(metadata, keys...)
	if !ok {
		return 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return rv.Len()
	}
	n, err := cast.ToIntE(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
