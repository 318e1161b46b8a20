package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	appLog "panchcal/internal/log"
	"panchcal/internal/model"
)

// State is the phase of the request cycle.
type State int

const (
	Idle State = iota
	LocationPending
	Computing
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LocationPending:
		return "location_pending"
	case Computing:
		return "computing"
	case Ready:
		return "ready"
	case Error:
		return "error"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a cycle is between its first transition and its end.
func (s State) Busy() bool {
	return s == LocationPending || s == Computing
}

const (
	// SuccessMessage is shown after every successful cycle.
	SuccessMessage = "Panchanga calculated successfully"
	// MissingLocationMessage is shown when a manual cycle has no location.
	MissingLocationMessage = "Please select a location first"
)

var (
	ErrMissingLocation  = errors.New("no location selected")
	ErrInvalidSelection = errors.New("invalid date or time selection")
	// ErrSuperseded is returned by a cycle cancelled by a newer one. It is
	// never shown to the user.
	ErrSuperseded = errors.New("cycle superseded by a newer one")
)

// Level of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a user-facing message emitted by a cycle.
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	CycleID string    `json:"cycle_id,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	if n.Level == LevelError {
		appLog.Warn("notification", "level", string(n.Level), "message", n.Message, "cycle", n.CycleID)
		return
	}
	appLog.Info("notification", "level", string(n.Level), "message", n.Message, "cycle", n.CycleID)
}

// Snapshot is a read-only copy of the orchestrator's published state.
// Result, Planets and Chart are replaced wholesale on success and never
// mutated afterwards; callers must not modify them. CycleID identifies the
// cycle that produced Result; ActiveCycle is the cycle running now, if any.
type Snapshot struct {
	State        State                  `json:"state"`
	Outcome      State                  `json:"outcome"`
	Busy         bool                   `json:"busy"`
	CycleID      string                 `json:"cycle_id,omitempty"`
	ActiveCycle  string                 `json:"active_cycle,omitempty"`
	Location     *model.GeoLocation     `json:"location,omitempty"`
	Date         string                 `json:"date"`
	Time         string                 `json:"time"`
	Result       *model.PanchangaResult `json:"result,omitempty"`
	Planets      []model.PlanetPosition `json:"planets"`
	Chart        *model.ChartImage      `json:"-"`
	Notification *Notification          `json:"notification,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// HasChart reports whether a chart artifact is published.
func (s Snapshot) HasChart() bool {
	return s.Chart != nil
}

// DateLayout is the form of a selected calendar date.
const DateLayout = "2006-01-02"

// ParseClock parses an "HH:MM" time of day.
func ParseClock(hhmm string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidSelection, hhmm)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour in %q", ErrInvalidSelection, hhmm)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute in %q", ErrInvalidSelection, hhmm)
	}
	return hour, minute, nil
}

// CombineDateTime places the calendar date of date and the "HH:MM" clock
// in zone and returns the instant in UTC.
func CombineDateTime(date time.Time, hhmm string, zone *time.Location) (time.Time, error) {
	if date.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no date selected", ErrInvalidSelection)
	}
	hour, minute, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	if zone == nil {
		zone = time.Local
	}
	y, mo, d := date.Date()
	return time.Date(y, mo, d, hour, minute, 0, 0, zone).UTC(), nil
}
