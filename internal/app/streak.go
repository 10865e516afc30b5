package app

import (
	"time"

	"github.com/quizcoin/reward-service/internal/domain"
)

// streakZone is the calendar used to decide whether two activities fall on
// consecutive days.
var streakZone = time.FixedZone("WAT", 60*60)

// NextStreak returns the streak after activity at now. Activity on the day after
// the last one extends the streak, a longer gap restarts it at 1, and further
// activity on the same day leaves it unchanged.
func NextStreak(prev domain.Streak, now time.Time) domain.Streak {
	next := prev
	at := now
	next.LastActivity = &at

	if prev.LastActivity == nil || prev.Count <= 0 {
		next.Count = 1
		return next
	}

	switch gap := dayGap(*prev.LastActivity, now); {
	case gap == 0:
	case gap == 1:
		next.Count = prev.Count + 1
	case gap > 1:
		next.Count = 1
	default:
		// Clock went backwards; keep the later activity.
		next.LastActivity = prev.LastActivity
	}
	return next
}

func dayGap(from, to time.Time) int {
	f := from.In(streakZone)
	t := to.In(streakZone)
	fromDay := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	toDay := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(toDay.Sub(fromDay).Hours() / 24)
}
