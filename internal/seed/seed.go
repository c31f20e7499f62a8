package seed

import (
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
)

// DefaultTemplateBodies is the starter message library new accounts get.
// Bodies use the {business_name}, {business_hours}, and {caller_name}
// variables resolved at send time.
func DefaultTemplateBodies() map[accountdomain.TemplateKind]string {
	return map[accountdomain.TemplateKind]string{
		accountdomain.TemplateStandard:   "Hi {caller_name}, thanks for calling {business_name}! We missed your call but we'll get back to you shortly. Reply to this message and we'll text you back.",
		accountdomain.TemplateAfterHours: "Hi {caller_name}, you've reached {business_name} outside our business hours ({business_hours}). Leave us a message here and we'll reply first thing.",
		accountdomain.TemplateVoicemail:  "Hi {caller_name}, thanks for your voicemail to {business_name}. We've got it and will follow up soon. You can also reply to this text.",
	}
}

// FollowUpBodies are the canned sequence messages, in send order.
func FollowUpBodies() []string {
	return []string{
		"Just checking in from {business_name} - we saw you called earlier. Anything we can help with?",
		"Hi again from {business_name}! We don't want to leave you hanging. Reply here any time.",
		"Last note from {business_name} - we're around during {business_hours} if you still need us.",
	}
}
