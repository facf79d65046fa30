package auth

// Capability is an action a caller may be allowed to perform.
type Capability string

const (
	CapDocumentsRead  Capability = "documents.read"
	CapDocumentsWrite Capability = "documents.write"
	CapUsersManage    Capability = "users.manage"
	CapTenantManage   Capability = "tenant.manage"
)

var roleCapabilities = map[Role][]Capability{
	RoleOwner: {CapDocumentsRead, CapDocumentsWrite, CapUsersManage, CapTenantManage},
	RoleAdmin: {CapDocumentsRead, CapDocumentsWrite, CapUsersManage},
	RoleUser:  {CapDocumentsRead, CapDocumentsWrite},
}

// CapabilitiesFor lists the capabilities granted to role.
func CapabilitiesFor(role Role) []Capability {
	caps := roleCapabilities[role]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}
