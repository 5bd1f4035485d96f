package dialogue

import (
	"regexp"
	"strings"
	"time"
)

// PartOfDay narrows a search window to clinic hours within a day.
type PartOfDay string

const (
	PartAny       PartOfDay = "any"
	PartMorning   PartOfDay = "morning"
	PartAfternoon PartOfDay = "afternoon"
	PartEvening   PartOfDay = "evening"
)

// hours returns the [start, end) hours of the part of day.
func (p PartOfDay) hours() (int, int) {
	switch p {
	case PartMorning:
		return 8, 12
	case PartAfternoon:
		return 12, 17
	case PartEvening:
		return 17, 20
	}
	return 8, 20
}

const (
	relativeToday    = "today"
	relativeTomorrow = "tomorrow"
	relativeNextWeek = "next week"

	searchHorizonDays = 7
)

// TimePreference is a caller's day and part-of-day request.
type TimePreference struct {
	Weekday  *time.Weekday
	Relative string
	// Next marks "next tuesday": never resolves to today.
	Next bool
	Part PartOfDay
}

var (
	partPatterns = map[PartOfDay]*regexp.Regexp{
		PartMorning:   regexp.MustCompile(`(?i)\b(morning|mornings|before\s+noon|before\s+lunch|first\s+thing)\b`),
		PartAfternoon: regexp.MustCompile(`(?i)\b(afternoon|afternoons|after\s+lunch|midday)\b`),
		PartEvening:   regexp.MustCompile(`(?i)\b(evening|evenings|tonight|after\s+work)\b`),
	}
	todayPattern    = regexp.MustCompile(`(?i)\b(today|tonight|this\s+(morning|afternoon|evening))\b`)
	tomorrowPattern = regexp.MustCompile(`(?i)\b(tomorrow|tmrw)\b`)
	nextWeekPattern = regexp.MustCompile(`(?i)\bnext\s+week\b`)
	nextDayPattern  = regexp.MustCompile(`(?i)\bnext\s+(sunday|monday|tuesday|wednesday|thursday|friday|saturday|tues|thurs)\b`)
	soonestPattern  = regexp.MustCompile(`(?i)\b(soonest|earliest|as\s+soon\s+as|any\s*time|whenever|next\s+available|first\s+available|doesn't\s+matter|any\s+day)\b`)
)

// ParseTimePreference extracts a day and part-of-day preference from an utterance.
func ParseTimePreference(text string) (TimePreference, bool) {
	pref := TimePreference{Part: PartAny}
	found := false

	if wd, ok := DayOfWeekMention(text); ok {
		pref.Weekday = &wd
		pref.Next = nextDayPattern.MatchString(text)
		found = true
	} else {
		switch {
		case nextWeekPattern.MatchString(text):
			pref.Relative = relativeNextWeek
			found = true
		case tomorrowPattern.MatchString(text):
			pref.Relative = relativeTomorrow
			found = true
		case todayPattern.MatchString(text):
			pref.Relative = relativeToday
			found = true
		}
	}

	for _, part := range []PartOfDay{PartMorning, PartAfternoon, PartEvening} {
		if partPatterns[part].MatchString(text) {
			pref.Part = part
			found = true
			break
		}
	}
	if strings.Contains(strings.ToLower(text), "tonight") {
		pref.Part = PartEvening
	}
	if soonestPattern.MatchString(text) {
		found = true
	}
	return pref, found
}

// String renders the preference in a form ParseTimePreference reads back.
func (p TimePreference) String() string {
	var parts []string
	switch {
	case p.Weekday != nil:
		if p.Next {
			parts = append(parts, "next")
		}
		parts = append(parts, strings.ToLower(p.Weekday.String()))
	case p.Relative != "":
		parts = append(parts, p.Relative)
	default:
		parts = append(parts, "soonest")
	}
	if p.Part != "" && p.Part != PartAny {
		parts = append(parts, string(p.Part))
	}
	return strings.Join(parts, " ")
}

// Describe renders the preference for speech.
func (p TimePreference) Describe() string {
	var day string
	switch {
	case p.Weekday != nil:
		day = p.Weekday.String()
	case p.Relative == relativeNextWeek:
		day = "next week"
	case p.Relative != "":
		day = p.Relative
	}
	part := ""
	if p.Part != "" && p.Part != PartAny {
		part = string(p.Part)
	}
	switch {
	case day != "" && part != "":
		if p.Weekday != nil {
			return day + " " + part
		}
		return day + " in the " + part
	case day != "":
		return day
	case part != "":
		return "in the " + part
	}
	return "in the next few days"
}

// Window is a resolved search range, filtered by part of day.
type Window struct {
	Start time.Time
	End   time.Time
	Part  PartOfDay
}

// Contains reports whether t falls in the window and its part of day.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) || !t.Before(w.End) {
		return false
	}
	startHour, endHour := w.Part.hours()
	h := t.In(w.Start.Location()).Hour()
	return h >= startHour && h < endHour
}

// ResolveWindow maps a preference onto concrete dates in loc. A weekday resolves to
// its next occurrence; today only counts while the requested part of day has not
// ended, otherwise the same weekday next week is used.
func ResolveWindow(pref TimePreference, now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	part := pref.Part
	if part == "" {
		part = PartAny
	}
	startHour, endHour := part.hours()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	at := func(day time.Time, hour int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, loc)
	}
	passed := func(day time.Time) bool {
		return !now.Before(at(day, endHour))
	}
	single := func(day time.Time) Window {
		start := at(day, startHour)
		if start.Before(now) {
			start = now
		}
		return Window{Start: start, End: at(day, endHour), Part: part}
	}

	switch {
	case pref.Weekday != nil:
		offset := (int(*pref.Weekday) - int(today.Weekday()) + 7) % 7
		if offset == 0 && (pref.Next || passed(today)) {
			offset = 7
		}
		return single(today.AddDate(0, 0, offset))
	case pref.Relative == relativeTomorrow:
		return single(today.AddDate(0, 0, 1))
	case pref.Relative == relativeToday:
		if passed(today) {
			return single(today.AddDate(0, 0, 1))
		}
		return single(today)
	case pref.Relative == relativeNextWeek:
		offset := (int(time.Monday) - int(today.Weekday()) + 7) % 7
		if offset == 0 {
			offset = 7
		}
		monday := today.AddDate(0, 0, offset)
		return Window{Start: at(monday, startHour), End: at(monday.AddDate(0, 0, 6), endHour), Part: part}
	}

	start := now
	if start.Before(at(today, startHour)) {
		start = at(today, startHour)
	}
	return Window{Start: start, End: at(today.AddDate(0, 0, searchHorizonDays), endHour), Part: part}
}
