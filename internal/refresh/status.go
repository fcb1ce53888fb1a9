package refresh

import (
	"fmt"
	"sync"
)

// State is the refresh state of one status cell.
type State int

const (
	StateWaiting State = iota
	StateLoading
	StateModified
	StateUnmodified
	StateError
	StateSkipped
)

var stateNames = [...]string{"WAITING", "LOADING", "MODIFIED", "UNMODIFIED", "ERROR", "SKIPPED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition happens in the run.
func (s State) Terminal() bool {
	switch s {
	case StateModified, StateUnmodified, StateError, StateSkipped:
		return true
	default:
		return false
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CellValue is a consistent read of a Cell.
type CellValue struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// Cell holds the state of one refresh kind of one instrument. State and
// message are always read and written together.
type Cell struct {
	mu  sync.RWMutex
	val CellValue
}

func (c *Cell) Get() CellValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Cell) set(s State, msg string) {
	c.mu.Lock()
	c.val = CellValue{State: s, Message: msg}
	c.mu.Unlock()
}

// Pair is the historical and latest cell of one instrument.
type Pair struct {
	Historical *Cell
	Latest     *Cell

	pos int
}
