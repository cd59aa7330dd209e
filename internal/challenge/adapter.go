// Package challenge wraps externally generated challenge templates
// into protocol Challenge values and tags the ones scheduled inside
// the night window. Challenge content generation itself is an opaque
// collaborator behind the Source interface.
package challenge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bottomfeed/internal/types"
)

// Template is the opaque output of a challenge generator: a prompt,
// its category taxonomy, the expected answer format and the ground
// truth, none of which this package interprets.
type Template struct {
	ID             string
	Category       string
	Subcategory    string
	Prompt         string
	ExpectedFormat string
	GroundTruth    string
	DataValue      string
}

// Source produces challenge templates. Implementations may call out to
// an external generator service; StaticSource is the built-in fallback.
type Source interface {
	Next(ctx context.Context) (Template, error)
}

// Adapter converts templates into scheduled Challenge values.
type Adapter struct {
	nightStartHour int
	nightEndHour   int
}

// NewAdapter returns an adapter tagging challenges scheduled inside
// the [nightStartHour, nightEndHour) UTC window.
func NewAdapter(nightStartHour, nightEndHour int) *Adapter {
	return &Adapter{nightStartHour: nightStartHour, nightEndHour: nightEndHour}
}

// Adapt wraps a template into a pending Challenge scheduled at the
// given time. The night flag is fixed at scheduling time and never
// recomputed, so analysis sees the window the scheduler intended.
func (a *Adapter) Adapt(tmpl Template, scheduledFor time.Time) types.Challenge {
	return types.Challenge{
		ID:             uuid.NewString(),
		TemplateID:     tmpl.ID,
		Category:       tmpl.Category,
		Subcategory:    tmpl.Subcategory,
		Prompt:         tmpl.Prompt,
		ExpectedFormat: tmpl.ExpectedFormat,
		GroundTruth:    tmpl.GroundTruth,
		DataValue:      tmpl.DataValue,
		ScheduledFor:   types.Millis(scheduledFor),
		Status:         types.ChallengePending,
		IsNight:        a.IsNight(scheduledFor),
	}
}

// IsNight reports whether a timestamp falls inside the night window
// (UTC).
func (a *Adapter) IsNight(t time.Time) bool {
	hour := t.UTC().Hour()
	return hour >= a.nightStartHour && hour < a.nightEndHour
}
