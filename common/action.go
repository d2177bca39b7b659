package common

import "fmt"

// Action is the kind of row mutation carried by changelog entries,
// staged records and wire records.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// CentralSourceID marks rows integrated from the central server when the
// wire record does not name an originating site.
const CentralSourceID uint64 = ^uint64(0)

// ParseAction converts a stored or wire action string to an Action
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionUpsert, ActionDelete:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

func (a Action) String() string {
	return string(a)
}
