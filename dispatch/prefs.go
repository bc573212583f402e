package dispatch

import "github.com/cyverse-de/update-digest/model"

// FilterByPreferences removes every update whose notifier type the subscriber
// has disabled email notifications for. The input order is preserved and the
// input slice is never modified.
func FilterByPreferences(updates []*model.Update, prefs model.Preferences) []*model.Update {
	filtered := make([]*model.Update, 0, len(updates))
	for _, update := range updates {
		if prefs.Wants(update.Notifier.Type) {
			filtered = append(filtered, update)
		}
	}
	return filtered
}
