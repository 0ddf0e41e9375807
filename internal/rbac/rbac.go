// Package rbac decides what a workspace member may do.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead          Action = "read"
	ActionWrite         Action = "write"
	ActionManageMembers Action = "manage-members"
	ActionSettings      Action = "settings"
	ActionAdmin         Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action == ActionRead || action == ActionWrite || action == ActionManageMembers || action == ActionSettings
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Rank orders roles so callers can stop members granting more than they hold.
func Rank(role Role) int {
	switch role {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleMember:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether role is one of the known workspace roles.
func Valid(role string) bool {
	return Rank(Role(role)) > 0
}

func Normalize(role string) Role {
	if Valid(role) {
		return Role(role)
	}
	return RoleViewer
}
