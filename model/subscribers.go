package model

// Preferences represents a subscriber's per-category email notification
// preferences. Categories without a corresponding field default to enabled.
type Preferences struct {
	CommentEmail        bool
	IdentificationEmail bool
}

// Wants returns true if the subscriber has email notifications enabled for
// updates caused by the given notifier type.
func (p Preferences) Wants(notifierType EntityType) bool {
	switch notifierType {
	case TypeComment:
		return p.CommentEmail
	case TypeIdentification:
		return p.IdentificationEmail
	default:
		return true
	}
}

// Subscriber represents one recipient of digest notifications.
type Subscriber struct {
	ID           int64
	Login        string
	EmailAddress string
	Active       bool
	Admin        bool
	Preferences  Preferences
}
