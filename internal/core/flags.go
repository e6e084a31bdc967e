package core

import "strings"

// Flags holds object status bits.
type Flags uint32

const (
	FlagDisabled Flags = 1 << iota
	FlagOutput
	FlagSelfTimed
	FlagArmed
	FlagBusy
)

func (f Flags) Enabled() bool   { return f&FlagDisabled == 0 }
func (f Flags) Output() bool    { return f&FlagOutput != 0 }
func (f Flags) SelfTimed() bool { return f&FlagSelfTimed != 0 }
func (f Flags) Armed() bool     { return f&FlagArmed != 0 }
func (f Flags) Busy() bool      { return f&FlagBusy != 0 }

func (f Flags) String() string {
	var parts []string
	if f.Enabled() {
		parts = append(parts, "enabled")
	} else {
		parts = append(parts, "disabled")
	}
	if f.Output() {
		parts = append(parts, "output")
	}
	if f.SelfTimed() {
		parts = append(parts, "self-timed")
	}
	if f.Armed() {
		parts = append(parts, "armed")
	}
	if f.Busy() {
		parts = append(parts, "busy")
	}
	return strings.Join(parts, "|")
}

// Direction of a channel set.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "", "input", "in":
		return Input, true
	case "output", "out":
		return Output, true
	}
	return Input, false
}
