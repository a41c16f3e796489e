package model

// Role is the operator role reported by the auth collaborator.
type Role string

const (
	RoleAssembler   Role = "assembler"
	RoleQcInspector Role = "qc_inspector"
	RoleSupervisor  Role = "supervisor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Permission names a role-gated lifecycle action.
type Permission string

const (
	PermRegister Permission = "register"
	PermClaim    Permission = "claim"
	PermStartQc  Permission = "start_qc"
	PermPassQc   Permission = "pass_qc"
	PermFailQc   Permission = "fail_qc"
)

var rolePermissions = map[Role]map[Permission]struct{}{
	RoleAssembler: {
		PermClaim: {},
	},
	RoleQcInspector: {
		PermStartQc: {},
		PermPassQc:  {},
		PermFailQc:  {},
	},
	RoleSupervisor: {
		PermRegister: {},
		PermStartQc:  {},
		PermPassQc:   {},
		PermFailQc:   {},
	},
}

// Can reports whether the role grants p.
func (r Role) Can(p Permission) bool {
	perms, ok := rolePermissions[r]
	if !ok {
		return false
	}
	_, ok = perms[p]
	return ok
}

// Actor is an authenticated operator.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
