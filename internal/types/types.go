package types

import (
	"fmt"
	"strings"
)

// Class is the priority class a request is admitted under.
// The set is closed; index 0 is the highest priority.
type Class uint8

const (
	High Class = iota
	Normal
	Low
)

// NumClasses is the number of priority classes.
const NumClasses = 3

// Classes lists every class from highest to lowest priority.
var Classes = [NumClasses]Class{High, Normal, Low}

var classNames = [NumClasses]string{"high", "normal", "low"}

func (c Class) String() string {
	if c.Valid() {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	return c < NumClasses
}

// Higher reports whether c is served before o.
func (c Class) Higher(o Class) bool {
	return c < o
}

// ParseClass parses "high", "normal" or "low" (case-insensitive).
// "foreground" and "background" are accepted as aliases for high and low.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "foreground":
		return High, nil
	case "normal", "":
		return Normal, nil
	case "low", "background":
		return Low, nil
	}
	return 0, fmt.Errorf("unknown priority class %q", s)
}

// State is the lifecycle state of an admission request.
type State uint8

const (
	Pending State = iota
	Granted
	Cancelled
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != Pending
}

// Grant describes a successful admission.
type Grant struct {
	Class    Class
	Amount   int64
	Waited   int64 // nanoseconds spent queued
	Borrowed int64 // units lent by a higher class
}
