package auth

import "strings"

// Roles shipped by default. The permission table below is the single place
// a new role has to be added.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// rolePermissions maps each role to its granted permission set.
// "*" grants everything; a permission ending in ".*" matches any
// sub-action under its prefix.
var rolePermissions = map[string][]string{
	RoleAdmin: {"*"},
	RoleOperator: {
		"robot.move",
		"robot.stop",
		"robot.status",
		"command.view",
		"command.create",
	},
	RoleViewer: {
		"robot.status",
		"command.view",
	},
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// roleAllows reports whether role grants action. Matching is exact, the
// global wildcard "*", or a prefix wildcard ("robot.*" allows
// "robot.move" and any other robot action).
func roleAllows(role, action string) bool {
	for _, perm := range rolePermissions[role] {
		if perm == "*" || perm == action {
			return true
		}
		if strings.HasSuffix(perm, ".*") && strings.HasPrefix(action, perm[:len(perm)-1]) {
			return true
		}
	}
	return false
}
