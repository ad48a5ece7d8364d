// Package drift turns a stream of authenticity ("reality drift") scores into
// user-facing feedback: threshold-crossing detection, a single active
// notification with a fixed display window, the drift meter bands and trend,
// and the producers used when no scoring model is attached.
//
// Drift values range from 0 (fully authentic) to 100 (fully artificial).
package drift

import (
	"errors"
	"fmt"
	"time"
)

// Valid drift range.
const (
	Min = 0.0
	Max = 100.0
)

// ErrOutOfRange is matched by every [*ContractViolation].
var ErrOutOfRange = errors.New("drift: value out of range")

// ContractViolation reports a sample outside [Min, Max]. Producers clamp
// their output; a violation is a bug upstream and is never clamped here.
type ContractViolation struct {
	Value float64
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("drift: contract violation: sample %g outside [%g, %g]", e.Value, Min, Max)
}

// Is makes errors.Is(err, ErrOutOfRange) hold.
func (e *ContractViolation) Is(target error) bool { return target == ErrOutOfRange }

// Sample is one authenticity reading.
type Sample struct {
	Value float64
	At    time.Time
}

// Valid reports whether the value lies in [Min, Max].
func (s Sample) Valid() bool { return s.Value >= Min && s.Value <= Max }

// Category groups feedback notifications.
type Category string

const (
	CategoryAuthentic   Category = "authentic"
	CategoryMasked      Category = "masked"
	CategoryUnleashed   Category = "unleashed"
	CategoryAchievement Category = "achievement"
)

// Categories lists every category.
var Categories = []Category{CategoryAuthentic, CategoryMasked, CategoryUnleashed, CategoryAchievement}

// Reason records which rule or source produced a notification.
type Reason string

const (
	// ReasonReturning: back into the authentic band from above 30.
	ReasonReturning Reason = "returning"
	// ReasonEnteringMask: into the 40–60 band from below.
	ReasonEnteringMask Reason = "entering-mask"
	// ReasonUnleashed: reached 80 or more from below.
	ReasonUnleashed Reason = "unleashed"
	// ReasonSharpDrop: fell by more than 30 in one step.
	ReasonSharpDrop Reason = "sharp-drop"
	// ReasonWelcome: the conversation started.
	ReasonWelcome Reason = "welcome"
	// ReasonExternal: supplied from outside the threshold logic.
	ReasonExternal Reason = "external"
)

// Evaluate applies the threshold rules to the transition prev → cur and
// returns the first rule that fires. Rules, in priority order:
//
//	cur ≤ 20 and prev > 30          → authentic (returning)
//	40 ≤ cur ≤ 60 and prev < 40     → masked
//	cur ≥ 80 and prev < 80          → unleashed
//	cur − prev < −30                → authentic (sharp drop)
func Evaluate(prev, cur float64) (Category, Reason, bool) {
	switch {
	case cur <= 20 && prev > 30:
		return CategoryAuthentic, ReasonReturning, true
	case cur >= 40 && cur <= 60 && prev < 40:
		return CategoryMasked, ReasonEnteringMask, true
	case cur >= 80 && prev < 80:
		return CategoryUnleashed, ReasonUnleashed, true
	case cur-prev < -30:
		return CategoryAuthentic, ReasonSharpDrop, true
	default:
		return "", "", false
	}
}
