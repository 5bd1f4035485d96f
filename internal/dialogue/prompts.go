package dialogue

import (
	"fmt"
	"strings"
	"time"
)

type prompts struct {
	clinicName string
	loc        *time.Location
}

func (p prompts) greeting() string {
	return fmt.Sprintf("Thanks for calling %s. Are you calling to book, reschedule, or cancel an appointment?", p.clinicName)
}

func (p prompts) intentReprompt() string {
	return "Sorry, I didn't catch that. Are you calling to book, reschedule, or cancel an appointment?"
}

func (p prompts) intentMenu() string {
	return "You can say book, reschedule, or cancel. Or press 1 to book, 2 to reschedule, 3 to cancel, or 0 for our front desk."
}

func (p prompts) confirmIdentity(name string) string {
	return fmt.Sprintf("Am I speaking with %s?", firstName(name))
}

func (p prompts) identityReprompt(name string) string {
	return fmt.Sprintf("Sorry, I just need a yes or no. Am I speaking with %s?", firstName(name))
}

func (p prompts) askName() string {
	return "Could I get your first and last name?"
}

func (p prompts) askNameAfterDenial() string {
	return "No problem. Could I get your first and last name so I can look you up?"
}

func (p prompts) nameReprompt() string {
	return "Sorry, I didn't catch your name. Please say your first and last name."
}

func (p prompts) askTime() string {
	return "What day and time works best for you?"
}

func (p prompts) timeReprompt() string {
	return "Sorry, what day works for you? For example, Tuesday morning or Friday afternoon."
}

func (p prompts) softBookingLead() string {
	return "I couldn't find a record under that name, but I can still get you booked. "
}

func (p prompts) noAvailability(pref TimePreference) string {
	return fmt.Sprintf("I don't see any openings %s. Is there another day that works for you?", pref.Describe())
}

func (p prompts) offer(slots []Slot) string {
	if len(slots) == 1 {
		return fmt.Sprintf("I have one opening: %s. Does that work for you?", p.when(slots[0].Start))
	}
	return fmt.Sprintf("I have two openings. Option one is %s. Option two is %s. Which works better?",
		p.when(slots[0].Start), p.when(slots[1].Start))
}

func (p prompts) simplifiedOffer(slots []Slot) string {
	if len(slots) == 1 {
		return "Please say yes to take that time, or tell me another day."
	}
	return "Please say option one or option two."
}

func (p prompts) askAnotherTime() string {
	return "No problem. What other day or time works for you?"
}

func (p prompts) slotTaken() string {
	return "I'm sorry, that time was just taken by someone else. What other day or time would work for you?"
}

func (p prompts) commitFailed() string {
	return "I'm sorry, I wasn't able to finalize that just now. Would you like me to try again?"
}

func (p prompts) commitRetry(slot *Slot) string {
	if slot == nil {
		return p.askTime()
	}
	return fmt.Sprintf("Should I try booking %s again?", p.when(slot.Start))
}

func (p prompts) booked(slot Slot) string {
	return fmt.Sprintf("You're all set for %s. You'll get a text confirmation shortly. Thanks for calling, goodbye!", p.when(slot.Start))
}

func (p prompts) rescheduled(slot Slot) string {
	return fmt.Sprintf("Done. Your appointment is now %s. You'll get a text confirmation shortly. Thanks for calling, goodbye!", p.when(slot.Start))
}

func (p prompts) existingAppointment(start time.Time) string {
	return fmt.Sprintf("I see your appointment on %s. ", p.when(start))
}

func (p prompts) confirmCancel(start time.Time) string {
	return fmt.Sprintf("I see your appointment on %s. Would you like me to cancel it?", p.when(start))
}

func (p prompts) cancelReprompt() string {
	return "Sorry, should I cancel that appointment? Please say yes or no."
}

func (p prompts) cancelled(start time.Time) string {
	return fmt.Sprintf("Your appointment on %s has been cancelled. You'll get a text confirmation shortly. Thanks for calling, goodbye!", p.when(start))
}

func (p prompts) cancelFailed() string {
	return "I'm sorry, I wasn't able to cancel that just now. Would you like me to try again?"
}

func (p prompts) noUpcomingForReschedule() string {
	return "I don't see an upcoming appointment for you, but I can book a new one. "
}

func (p prompts) safetyValve() string {
	return "I'm going to text you a link so you can finish up online, and our team can help if you need anything. Thanks for calling, goodbye!"
}

func (p prompts) apology() string {
	return "I'm sorry, I'm having trouble reaching our scheduling system right now. "
}

func (p prompts) goodbye() string {
	return fmt.Sprintf("Thanks for calling %s. Goodbye!", p.clinicName)
}

func (p prompts) notYet(obj Objective) string {
	switch obj {
	case ObjectiveReschedule:
		return "Before you go, let's finish rescheduling your appointment. "
	case ObjectiveCancel:
		return "Before you go, let's finish cancelling your appointment. "
	}
	return "Before you go, let's finish getting you booked. "
}

func (p prompts) callEnded() string {
	return "This call has ended. Goodbye!"
}

// when renders a time in the clinic timezone, e.g. "Tuesday, October 20 at 10 AM".
func (p prompts) when(t time.Time) string {
	loc := p.loc
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	clock := lt.Format("3:04 PM")
	if lt.Minute() == 0 {
		clock = lt.Format("3 PM")
	}
	return fmt.Sprintf("%s at %s", lt.Format("Monday, January 2"), clock)
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "the patient on file"
	}
	return fields[0]
}
