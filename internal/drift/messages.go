package drift

import "math/rand/v2"

// Messages supplies display strings for notifications.
type Messages interface {
	// For returns the message for a rule-driven or welcome notification.
	For(reason Reason) string

	// Variants returns the messages a random notification of category may
	// show. Never empty for a known category.
	Variants(category Category) []string
}

// English is the default catalog.
var English Messages = catalog{
	byReason: map[Reason]string{
		ReasonReturning:    "👍 Stayed real!",
		ReasonEnteringMask: "🎭 You're showing your Mask!",
		ReasonUnleashed:    "⚡ You're showing your Crazy Self!",
		ReasonSharpDrop:    "✨ Back to yourself!",
		ReasonWelcome:      "🎉 Conversation started!",
	},
	byCategory: map[Category][]string{
		CategoryAuthentic:   {"👍 Stayed real!", "💯 So authentic!", "✨ Purely yourself!"},
		CategoryMasked:      {"🎭 You're showing your Mask!", "👑 Perfect presentation!", "✨ Stylishly masked!"},
		CategoryUnleashed:   {"⚡ You're showing your Crazy Self!", "🔥 Fully unleashed!", "🎉 Wild and free!"},
		CategoryAchievement: {"🏆 Great connection!", "⭐ Conversation master!", "🎯 Perfectly balanced!"},
	},
}

type catalog struct {
	byReason   map[Reason]string
	byCategory map[Category][]string
}

func (c catalog) For(r Reason) string {
	if m, ok := c.byReason[r]; ok {
		return m
	}
	return string(r)
}

func (c catalog) Variants(cat Category) []string {
	if v, ok := c.byCategory[cat]; ok {
		return v
	}
	return []string{string(cat)}
}

// pick returns a random variant of category.
func pick(m Messages, cat Category, rng *rand.Rand) string {
	v := m.Variants(cat)
	if len(v) == 0 {
		return string(cat)
	}
	return v[rng.IntN(len(v))]
}
