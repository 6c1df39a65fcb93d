package domain

// Role is the access level carried in an access token.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r grants at least the access of required.
func (r Role) HasPermission(required Role) bool {
	return roleRank[r] >= roleRank[required] && r.IsValid()
}
