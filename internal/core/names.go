package core

import (
	"fmt"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// MaxNameLen is the longest name accepted for types, devices and objects.
const MaxNameLen = 31

// Leaf names under which live instances appear in the directory.
const (
	TransportLeaf    = "transport"
	TransportTmpLeaf = "transport-tmp"
	TimingLeaf       = "timing"
	TimingTmpLeaf    = "timing-tmp"
)

func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", types.ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("name %q longer than %d: %w", name, MaxNameLen, types.ErrInvalidName)
	}
	return nil
}

func csetName(index int) string {
	return fmt.Sprintf("cset%d", index)
}

func chanName(index int) string {
	return fmt.Sprintf("chan%d", index)
}
