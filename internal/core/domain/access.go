package domain

// Role grants access to the control API and the relay.
type Role string

const (
	RoleViewer   Role = "viewer"
	RolePeer     Role = "peer"
	RoleOperator Role = "operator"
)

var roleLevels = map[Role]int{
	RoleViewer:   1,
	RolePeer:     2,
	RoleOperator: 3,
}

// Covers reports whether r grants at least the rights of required.
func (r Role) Covers(required Role) bool {
	level, ok := roleLevels[r]
	return ok && level >= roleLevels[required]
}

func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}
