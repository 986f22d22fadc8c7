package retry

import "time"

// Business hours are Monday-Friday 09:00-17:00 in the operating timezone.
const (
	businessStartHour = 9
	businessEndHour   = 17
)

// ClampToBusinessHours moves a timestamp into the nearest upcoming business
// window. A timestamp already inside a window is returned unchanged.
func ClampToBusinessHours(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return atBusinessStart(t.AddDate(0, 0, 2))
	case time.Sunday:
		return atBusinessStart(t.AddDate(0, 0, 1))
	}

	if t.Hour() < businessStartHour {
		return atBusinessStart(t)
	}

	if t.Hour() >= businessEndHour {
		// Friday evening rolls to Monday; other evenings to the next day.
		if t.Weekday() == time.Friday {
			return atBusinessStart(t.AddDate(0, 0, 3))
		}
		return atBusinessStart(t.AddDate(0, 0, 1))
	}

	return t
}

// NextBusinessTime returns now if inside business hours, otherwise the start
// of the next business window.
func NextBusinessTime(now time.Time) time.Time {
	clamped := ClampToBusinessHours(now)
	if clamped.Equal(now) {
		return now
	}
	return clamped
}

func atBusinessStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), businessStartHour, 0, 0, 0, t.Location())
}
