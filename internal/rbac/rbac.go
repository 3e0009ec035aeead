package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionDelete Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionSubmit
	default:
		return false
	}
}

// FromAdminFlag maps the stored is_admin flag onto a role. There are only
// two reachable roles; admin is granted out-of-band, never through the API.
func FromAdminFlag(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleUser
}
