package model

// Role is the caller's role as asserted by the identity subsystem.
type Role string

const (
	RoleStudent  Role = "student"
	RoleExaminer Role = "examiner"
	RoleAdmin    Role = "admin"
)

// IsStaff reports whether the role may oversee other users' sessions.
func (r Role) IsStaff() bool {
	return r == RoleExaminer || r == RoleAdmin
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID int
	Role   Role
}
