package enums

// MemberRole is a user's role inside their organization.
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

var memberRoles = set[MemberRole]{MemberRoleOwner, MemberRoleAdmin, MemberRoleMember}

func (m MemberRole) IsValid() bool { return memberRoles.has(m) }

// CanManageBilling reports whether the role may change billing settings.
func (m MemberRole) CanManageBilling() bool {
	return m == MemberRoleOwner || m == MemberRoleAdmin
}

func ParseMemberRole(value string) (MemberRole, error) {
	return memberRoles.parse("member role", value)
}
