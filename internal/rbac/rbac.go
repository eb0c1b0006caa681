package rbac

type Role string
type Action string

const (
	RoleReader             Role = "reader"
	RoleAdministrator      Role = "administrator"
	RoleSuperadministrator Role = "superadministrator"
)

const (
	ActionReadChat  Action = "chat:read"
	ActionChat      Action = "chat:send"
	ActionClearChat Action = "chat:clear"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleSuperadministrator:
		return true
	case RoleAdministrator, RoleReader:
		return action == ActionReadChat || action == ActionChat || action == ActionClearChat
	default:
		return false
	}
}

// CrossOrganization reports whether role may act on notebooks of any organization.
func CrossOrganization(role Role) bool {
	return role == RoleSuperadministrator
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReader, RoleAdministrator, RoleSuperadministrator:
		return Role(role)
	default:
		return RoleReader
	}
}
