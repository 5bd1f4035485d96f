package dialogue

import (
	"regexp"
	"strings"
	"time"
)

// SlotChoice is the caller's answer to an offered set of slots.
type SlotChoice string

const (
	SlotChoiceUnknown      SlotChoice = "unknown"
	SlotChoiceFirst        SlotChoice = "first"
	SlotChoiceSecond       SlotChoice = "second"
	SlotChoiceReject       SlotChoice = "reject"
	SlotChoiceAlternateDay SlotChoice = "alternate_day"
)

// Classification is the deterministic reading of one caller utterance.
type Classification struct {
	IsDenial       bool
	IsConfirmation bool
	LooksLikeName  bool
	// Name is the name-shaped part of the utterance, when there is one.
	Name string
	// ReplacementName is set for corrective denials such as "no, this is Jane".
	ReplacementName  string
	DayOfWeekMention *time.Weekday
	SlotChoice       SlotChoice
	IsGoodbye        bool
	WantsHuman       bool
}

var (
	denialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(no|nope|nah|negative|incorrect|wrong)\b`),
		regexp.MustCompile(`(?i)\bnot\s+(me|him|her|them|right|correct)\b`),
		regexp.MustCompile(`(?i)\bwrong\s+(person|number|name)\b`),
		regexp.MustCompile(`(?i)\bsomeone\s+else\b`),
		regexp.MustCompile(`(?i)\b(this|that|it)\s*(isn't|is\s+not|'s\s+not)\s+(me|him|her)\b`),
		regexp.MustCompile(`(?i)\b(that's|that\s+is)\s+not\s+(me|my\s+name)\b`),
	}

	confirmationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|yup|yea|sure|correct|right|affirmative|absolutely|definitely|ok|okay)\b`),
		regexp.MustCompile(`(?i)\b(that's|that\s+is|it's|it\s+is)\s+(me|right|correct)\b`),
		regexp.MustCompile(`(?i)\bspeaking\b`),
		regexp.MustCompile(`(?i)\bthis\s+is\s+(she|he|him|her)\b`),
		regexp.MustCompile(`(?i)\byou\s+got\s+it\b`),
	}

	replacementNamePattern = regexp.MustCompile(`(?i)^\s*(?:no|nope|nah)[\s,.!]+(?:this\s+is|it's|it\s+is|my\s+name\s+is|i'm|i\s+am|actually\s+it's|actually\s+this\s+is)\s+([a-z][a-z' .-]*?)[\s.!]*$`)

	namePrefixPattern = regexp.MustCompile(`(?i)^\s*(?:my\s+name\s+is|my\s+name's|this\s+is|it's|it\s+is|i'm|i\s+am|the\s+name\s+is|name\s+is|under)\s+`)
	nameCharsPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z '.\-]*$`)

	// "first thing Wednesday" and "give me a second" are not picks, so bare
	// ordinals only count on their own or followed by one/option/slot.
	explicitFirstPattern  = regexp.MustCompile(`(?i)\b(option|number|choice)\s*(one|1)\b`)
	explicitSecondPattern = regexp.MustCompile(`(?i)\b(option|number|choice)\s*(two|2|to|too)\b`)
	firstChoicePatterns   = []*regexp.Regexp{
		explicitFirstPattern,
		regexp.MustCompile(`(?i)\b(first|1st)\s+(one|option|slot|choice)\b`),
		regexp.MustCompile(`(?i)^\s*(the\s+)?(one|1|first|1st)\s*(one\s*)?(please\s*)?[.!]?\s*$`),
		regexp.MustCompile(`(?i)\bthe\s+(earlier|earliest)\s+one\b`),
	}
	secondChoicePatterns = []*regexp.Regexp{
		explicitSecondPattern,
		regexp.MustCompile(`(?i)\b(second|2nd)\s+(one|option|slot|choice)\b`),
		regexp.MustCompile(`(?i)^\s*(the\s+)?(two|2|second|2nd)\s*(one\s*)?(please\s*)?[.!]?\s*$`),
		regexp.MustCompile(`(?i)\bthe\s+(later|latter|last)\s+one\b`),
	}
	rejectPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(no|nope|nah)\b`),
		regexp.MustCompile(`(?i)\b(neither|none)\b`),
		regexp.MustCompile(`(?i)\b(different|another|other)\s+(day|date|time|times)\b`),
		regexp.MustCompile(`(?i)\b(doesn't|don't|does\s+not|do\s+not)\s+work\b`),
		regexp.MustCompile(`(?i)\bnot\s+(those|either)\b`),
	}

	goodbyePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(ok(ay)?\s+)?(good)?bye\b`),
		regexp.MustCompile(`(?i)\b(goodbye|bye\s+bye|hang\s+up|that's\s+all|that\s+is\s+all|have\s+a\s+good\s+(day|one|night))\b`),
		regexp.MustCompile(`(?i)\bi\s+(have\s+to|gotta|need\s+to)\s+go\b`),
	}
	humanPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(human|real\s+person|representative|operator|receptionist|front\s+desk|staff\s+member)\b`),
		regexp.MustCompile(`(?i)\b(talk|speak)\s+to\s+(someone|somebody|a\s+person)\b`),
	}

	fillerWords = map[string]bool{
		"yes": true, "no": true, "ok": true, "okay": true, "um": true, "umm": true, "uh": true,
		"uhh": true, "er": true, "hmm": true, "mm": true, "yeah": true, "yep": true, "nope": true,
		"hello": true, "hi": true, "hey": true, "sure": true, "what": true, "huh": true, "sorry": true,
		"thanks": true, "thank": true, "you": true, "well": true, "so": true, "like": true,
		"the": true, "a": true, "and": true, "please": true, "maybe": true, "i": true, "don't": true,
		"know": true, "wait": true, "correct": true, "right": true, "option": true, "one": true,
		"two": true, "first": true, "second": true, "book": true, "cancel": true, "reschedule": true,
		"appointment": true, "morning": true, "afternoon": true, "evening": true, "today": true,
		"tomorrow": true, "bye": true, "goodbye": true, "speaking": true, "me": true, "not": true,
		"that's": true, "it's": true, "this": true, "is": true, "it": true, "that": true, "my": true,
		"name": true, "nothing": true, "never": true, "mind": true, "can": true,
	}

	weekdayNames = map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
		"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
		"saturday": time.Saturday, "tues": time.Tuesday, "thurs": time.Thursday,
	}
	weekdayPattern = regexp.MustCompile(`(?i)\b(sunday|monday|tuesday|wednesday|thursday|friday|saturday|tues|thurs)\b`)
)

// Classify reads an utterance without side effects.
func Classify(text string) Classification {
	c := Classification{SlotChoice: ClassifySlotChoice(text)}
	c.IsDenial = IsDenial(text)
	if !c.IsDenial {
		c.IsConfirmation = IsConfirmation(text)
	}
	if name, ok := ReplacementName(text); ok {
		c.ReplacementName = name
	}
	if name, ok := ExtractName(text); ok {
		c.Name = name
		c.LooksLikeName = true
	}
	if wd, ok := DayOfWeekMention(text); ok {
		c.DayOfWeekMention = &wd
	}
	c.IsGoodbye = IsGoodbye(text)
	c.WantsHuman = WantsHuman(text)
	return c
}

// IsDenial matches short negations and corrective denials.
func IsDenial(text string) bool {
	return matchAny(denialPatterns, text)
}

// IsConfirmation matches short affirmatives. A denial never counts as confirmation.
func IsConfirmation(text string) bool {
	if IsDenial(text) {
		return false
	}
	return matchAny(confirmationPatterns, text)
}

// ReplacementName extracts the name from "no, this is Jane" style denials.
func ReplacementName(text string) (string, bool) {
	m := replacementNamePattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	if !LooksLikeName(name) {
		return "", false
	}
	return titleCase(name), true
}

// LooksLikeName accepts 3-50 characters of letters, spaces, apostrophes, hyphens and
// periods with no filler words or weekday names in it.
func LooksLikeName(text string) bool {
	t := strings.TrimSpace(text)
	if len(t) < 3 || len(t) > 50 {
		return false
	}
	if !nameCharsPattern.MatchString(t) {
		return false
	}
	words := 0
	for _, w := range strings.Fields(strings.ToLower(t)) {
		w = strings.Trim(w, ".-")
		if w == "" {
			continue
		}
		if _, isDay := weekdayNames[w]; isDay || fillerWords[w] {
			return false
		}
		words++
	}
	return words > 0
}

// ExtractName strips lead-ins like "my name is" and returns a plausible name.
func ExtractName(text string) (string, bool) {
	t := strings.TrimSpace(text)
	t = strings.TrimRight(t, ".!?, ")
	t = namePrefixPattern.ReplaceAllString(t, "")
	if !LooksLikeName(t) {
		return "", false
	}
	return titleCase(t), true
}

// DayOfWeekMention returns the first weekday named in the utterance.
func DayOfWeekMention(text string) (time.Weekday, bool) {
	m := weekdayPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	wd, ok := weekdayNames[strings.ToLower(m[1])]
	return wd, ok
}

// ClassifySlotChoice interprets an answer to "option one or option two".
func ClassifySlotChoice(text string) SlotChoice {
	t := strings.TrimSpace(text)
	if t == "" {
		return SlotChoiceUnknown
	}
	// A weekday names a different day unless an option number was said outright.
	if _, ok := DayOfWeekMention(t); ok && !explicitFirstPattern.MatchString(t) && !explicitSecondPattern.MatchString(t) {
		return SlotChoiceAlternateDay
	}
	first := matchAny(firstChoicePatterns, t)
	second := matchAny(secondChoicePatterns, t)
	switch {
	case first && !second:
		return SlotChoiceFirst
	case second && !first:
		return SlotChoiceSecond
	}
	if matchAny(rejectPatterns, t) {
		return SlotChoiceReject
	}
	return SlotChoiceUnknown
}

// IsGoodbye matches a caller trying to end the call.
func IsGoodbye(text string) bool {
	return matchAny(goodbyePatterns, text)
}

// WantsHuman matches requests for staff.
func WantsHuman(text string) bool {
	return matchAny(humanPatterns, text)
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
