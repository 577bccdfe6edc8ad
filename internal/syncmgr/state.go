package syncmgr

import (
	"fmt"
	"sort"
)

// State is a session's lifecycle position.
type State int

const (
	Uninitialized State = iota
	Initializing
	ReadyOffline
	ReadyConnected
	TornDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case ReadyOffline:
		return "ready-offline"
	case ReadyConnected:
		return "ready-connected"
	case TornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Ready reports whether the session serves reads and writes.
func (s State) Ready() bool {
	return s == ReadyOffline || s == ReadyConnected
}

// Mode selects how SwitchRoom treats local state.
type Mode int

const (
	// ModeMerge keeps the local document and merges it with the room.
	ModeMerge Mode = iota
	// ModeReplace discards the local document and takes the room's state.
	ModeReplace
)

func (m Mode) String() string {
	switch m {
	case ModeMerge:
		return "merge"
	case ModeReplace:
		return "replace"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func sortedIDs[T any](m map[int]T) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
