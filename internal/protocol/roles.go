// ABOUTME: Closed enumeration of client roles and the always-listen rule table.
// ABOUTME: UI-facing roles implicitly observe every session without subscribing.

package protocol

import "fmt"

// Role classifies a connected client.
type Role string

const (
	RoleCLI            Role = "cli"
	RoleDesktop        Role = "desktop"
	RoleWebUI          Role = "web-ui"
	RoleExtensionRelay Role = "extension-relay"
	RoleOther          Role = "other"
)

// alwaysListenRoles is the static rule table for implicit session
// subscription. Adding a role here is a deliberate, reviewable change.
var alwaysListenRoles = map[Role]bool{
	RoleDesktop: true,
	RoleWebUI:   true,
}

// ParseRole validates a declared role string. Unknown values are rejected
// rather than coerced so that new roles are added explicitly.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCLI, RoleDesktop, RoleWebUI, RoleExtensionRelay, RoleOther:
		return r, nil
	case "":
		return RoleOther, nil
	default:
		return "", fmt.Errorf("unknown client role %q", s)
	}
}

// AlwaysListen reports whether connections with this role implicitly
// receive every session event.
func (r Role) AlwaysListen() bool {
	return alwaysListenRoles[r]
}
