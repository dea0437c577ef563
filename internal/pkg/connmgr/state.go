package connmgr

import (
	"github.com/pkg/errors"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
	Error:        "error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// The only edges the manager may follow
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Reconnecting, Error, Disconnected},
	Reconnecting: {Connecting, Error, Disconnected},
	Error:        {Connecting, Reconnecting, Disconnected},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// errTransition is never seen outside the package; it reports a
// transition raced by Stop
type errTransition struct {
	from, to State
}

func (e *errTransition) Error() string {
	return "invalid state transition " + e.from.String() + " -> " + e.to.String()
}

func isTransitionError(err error) bool {
	var te *errTransition
	return errors.As(err, &te)
}
