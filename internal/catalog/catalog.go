// Package catalog holds the static message text delivered to users. Messages
// are selected by key, never generated.
package catalog

import (
	"fmt"

	"github.com/mbd888/nudge/internal/behavior"
)

// Message is a catalog entry.
type Message struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

type interventionKey struct {
	b behavior.BehaviorType
	t behavior.InterventionType
}

var interventions = map[interventionKey][]string{
	{behavior.SmallRecurring, behavior.ImmediateMirror}: {
		"Another small one. These add up faster than they feel.",
		"That's the same kind of purchase again. Worth a second look?",
	},
	{behavior.SmallRecurring, behavior.PatternReflection}: {
		"Small purchases in one category have become a daily rhythm lately.",
		"Looking at the last few weeks, these little buys keep landing at the same time of day.",
	},
	{behavior.SmallRecurring, behavior.Reinforcement}: {
		"You'd cut back on these. One slip doesn't undo that progress.",
	},
	{behavior.StressSpending, behavior.ImmediateMirror}: {
		"Late purchase after a long day. How are you feeling right now?",
		"Comfort spending often shows up at this hour. Is this one you want?",
	},
	{behavior.StressSpending, behavior.PatternReflection}: {
		"Most of your comfort purchases happen late at night or right after work.",
		"Your spending clusters in the evenings on tough days.",
	},
	{behavior.StressSpending, behavior.Reinforcement}: {
		"You'd been handling stressful evenings without spending. You can get back there.",
	},
	{behavior.EndOfMonth, behavior.ImmediateMirror}: {
		"Spending is speeding up as the month winds down.",
		"This is the part of the month where spending usually jumps.",
	},
	{behavior.EndOfMonth, behavior.PatternReflection}: {
		"Your daily spend in the last third of the month runs well above the first part.",
		"Month-end spending spikes have shown up again this month.",
	},
	{behavior.EndOfMonth, behavior.Reinforcement}: {
		"Last month ended calmer. A few days left to make this one the same.",
	},
}

// Intervention returns the message for a behavior and intervention style.
// variant rotates through the available texts.
func Intervention(b behavior.BehaviorType, t behavior.InterventionType, variant int) Message {
	texts, ok := interventions[interventionKey{b, t}]
	if !ok || len(texts) == 0 {
		return Message{Key: "generic.check_in", Text: "Take a moment to check in on your spending."}
	}
	i := pick(variant, len(texts))
	return Message{Key: fmt.Sprintf("%s.%s.%d", b, t, i), Text: texts[i]}
}

var relapses = map[behavior.RelapseSeverity][]string{
	behavior.SeverityMild: {
		"A small step back is normal. You're still ahead of where you started.",
		"Things crept up a bit this week. No big deal, just something to notice.",
	},
	behavior.SeverityModerate: {
		"This week looked more like the old pattern. Progress isn't a straight line.",
		"The habit is pulling again. What helped last time?",
	},
	behavior.SeveritySevere: {
		"This week was tough. Your earlier progress still counts, and you can rebuild it.",
		"The old pattern came back strong. Be kind to yourself and start with one small change.",
	},
}

// Relapse returns a supportive message for a relapse severity. It never
// returns empty text.
func Relapse(s behavior.RelapseSeverity, variant int) Message {
	texts, ok := relapses[s]
	if !ok {
		s, texts = behavior.SeverityMild, relapses[behavior.SeverityMild]
	}
	i := pick(variant, len(texts))
	return Message{Key: fmt.Sprintf("relapse.%s.%d", s, i), Text: texts[i]}
}

// Win returns the celebration text for a win.
func Win(t behavior.WinType, b behavior.BehaviorType, streak int, reduction float64) Message {
	switch t {
	case behavior.WinStreakMilestone:
		return Message{
			Key:  fmt.Sprintf("win.streak.%d", streak),
			Text: fmt.Sprintf("%d days without %s. That's a real streak.", streak, label(b)),
		}
	case behavior.WinPatternBreak:
		return Message{
			Key:  "win.pattern_break",
			Text: fmt.Sprintf("%s down %.0f%% from last week. Nice work.", capitalize(label(b)), reduction*100),
		}
	}
	return Message{Key: "win.generic", Text: "Progress noticed. Keep going."}
}

var upgradePrompts = map[string]string{
	"upgrade.manual_categorization": "Tired of sorting transactions by hand? Premium categorizes them for you.",
	"upgrade.locked_feature":        "That feature is part of Premium. Unlock it to keep going.",
	"upgrade.budget_limit":          "You've hit the free budget limit. Premium removes it.",
	"upgrade.export_attempt":        "Exports are available with Premium.",
	"upgrade.navigation_loop":       "Looking for something? Premium insights put it on one screen.",
}

// UpgradePrompt returns the prompt text for a friction prompt key.
func UpgradePrompt(key string) Message {
	if text, ok := upgradePrompts[key]; ok {
		return Message{Key: key, Text: text}
	}
	return Message{Key: "upgrade.generic", Text: "Premium can make this easier."}
}

func label(b behavior.BehaviorType) string {
	switch b {
	case behavior.SmallRecurring:
		return "small impulse buys"
	case behavior.StressSpending:
		return "stress spending"
	case behavior.EndOfMonth:
		return "month-end splurges"
	}
	return "the old pattern"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

func pick(variant, n int) int {
	if variant < 0 {
		variant = -variant
	}
	return variant % n
}
