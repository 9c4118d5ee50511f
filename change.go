package routemanager

import "fmt"

// ChangeKind classifies a routing-table change event.
type ChangeKind uint8

const (
	// ChangeAdd reports a route inserted into the table.
	ChangeAdd ChangeKind = iota + 1
	// ChangeDelete reports a route removed from the table.
	ChangeDelete
	// ChangeModify reports an existing route whose parameters changed.
	// Only Windows distinguishes modifications from insertions.
	ChangeModify
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeModify:
		return "modify"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// RouteChange is one observed routing-table change.
type RouteChange struct {
	Kind  ChangeKind
	Route Route
}

func (c RouteChange) String() string {
	return fmt.Sprintf("%s %s", c.Kind, c.Route)
}
