package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type MissionStatus string

const (
	StatusUnknown    MissionStatus = ""
	StatusQueued     MissionStatus = "queued"
	StatusProcessing MissionStatus = "processing"
	StatusCompleted  MissionStatus = "completed"
	StatusFailed     MissionStatus = "failed"
	StatusCancelled  MissionStatus = "cancelled"
)

// ParseMissionStatus rejects anything outside the stored status set.
func ParseMissionStatus(in string) (MissionStatus, bool) {
	switch s := MissionStatus(in); s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return s, true
	}
	return StatusUnknown, false
}

// Ordinal orders statuses along queued -> processing -> terminal. Unknown is -1.
func (s MissionStatus) Ordinal() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

func (s MissionStatus) Terminal() bool {
	return s.Ordinal() == 2
}

var missionTransitions = map[MissionStatus]map[MissionStatus]struct{}{
	StatusQueued: {
		StatusProcessing: {},
		StatusFailed:     {},
		StatusCancelled:  {},
	},
	StatusProcessing: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

// EnsureMissionTransition reports ErrAlreadyTerminal for any move out of a
// terminal status and a ValidationError for other disallowed moves.
func EnsureMissionTransition(from, to MissionStatus) error {
	if from.Terminal() {
		return ErrAlreadyTerminal
	}
	next, ok := missionTransitions[from]
	if ok {
		if _, ok := next[to]; ok {
			return nil
		}
	}
	return ValidationError{Field: "status", Reason: fmt.Sprintf("invalid mission status transition %s -> %s", from, to)}
}

func stringify(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// TimeLayout is fixed-width so stored timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
