package roundclock

import (
	"fmt"
	"time"

	"github.com/mcdev12/roundsync/go/internal/models"
)

// RemainingSeconds returns the whole seconds left in round at now, rounded
// up. Rounds that are not Active, or have no start timestamp, have none.
func RemainingSeconds(round *models.Round, now time.Time) int {
	if round == nil || round.Status != models.RoundStatusActive || round.StartedAt == nil {
		return 0
	}
	remaining := round.Duration() - round.Elapsed(now)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}

// FormatTime renders seconds as MM:SS. Minutes are not wrapped into hours.
func FormatTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// ProgressPercentage is the share of the round's duration already consumed,
// in [0, 100].
func ProgressPercentage(round *models.Round, remaining int, now time.Time) float64 {
	if round == nil || round.DurationSeconds <= 0 {
		return 0
	}

	var consumed float64
	switch round.Status {
	case models.RoundStatusWaiting:
		return 0
	case models.RoundStatusFinished:
		return 100
	case models.RoundStatusActive:
		consumed = float64(round.DurationSeconds - remaining)
	default:
		consumed = round.Elapsed(now).Seconds()
	}

	pct := consumed / float64(round.DurationSeconds) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Snapshot captures every derived clock value for round at now.
func Snapshot(round *models.Round, now time.Time, offset time.Duration) models.ClockSnapshot {
	remaining := RemainingSeconds(round, now)
	snap := models.ClockSnapshot{
		RemainingSeconds:   remaining,
		FormattedTime:      FormatTime(remaining),
		ProgressPercentage: ProgressPercentage(round, remaining, now),
		ActiveIndex:        -1,
		OffsetMillis:       offset.Milliseconds(),
	}
	if round != nil {
		snap.RoundID = round.ID
		snap.Status = round.Status
	}
	return snap
}
