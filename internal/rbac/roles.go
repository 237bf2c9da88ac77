package rbac

// Role names are part of issued tokens; keep them stable.
const (
	// RoleAdmin manages providers and the pool.
	RoleAdmin = "admin"
	// RoleProvisioner is a device-provisioning caller that acquires numbers.
	RoleProvisioner = "provisioner"
	// RoleOperator has read-only access to the admin surface.
	RoleOperator = "operator"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func Known(role string) bool {
	switch role {
	case RoleAdmin, RoleProvisioner, RoleOperator:
		return true
	}
	return false
}
