// Package events defines the closed catalog of event types that webhooks can
// subscribe to and that callers can trigger.
package events

import "sort"

// Type is the name of a catalog event, e.g. "user.created".
type Type string

// User events
const (
	UserCreated         Type = "user.created"
	UserUpdated         Type = "user.updated"
	UserDeleted         Type = "user.deleted"
	UserLogin           Type = "user.login"
	UserLogout          Type = "user.logout"
	UserPasswordChanged Type = "user.password_changed"
	UserEmailVerified   Type = "user.email_verified"
	User2FAEnabled      Type = "user.2fa_enabled"
	User2FADisabled     Type = "user.2fa_disabled"
)

// Tenant events
const (
	TenantCreated           Type = "tenant.created"
	TenantUpdated           Type = "tenant.updated"
	TenantDeleted           Type = "tenant.deleted"
	TenantMemberAdded       Type = "tenant.member_added"
	TenantMemberRemoved     Type = "tenant.member_removed"
	TenantMemberRoleChanged Type = "tenant.member_role_changed"
	TenantPlanChanged       Type = "tenant.plan_changed"
)

// System events
const (
	SystemMaintenanceStart Type = "system.maintenance_start"
	SystemMaintenanceEnd   Type = "system.maintenance_end"
	SystemBackupCompleted  Type = "system.backup_completed"
	SystemBackupFailed     Type = "system.backup_failed"
	SystemWebhookTest      Type = "system.webhook_test"
)

// Security events
const (
	SecurityLoginFailed        Type = "security.login_failed"
	SecuritySuspiciousActivity Type = "security.suspicious_activity"
	SecurityTokenRevoked       Type = "security.token_revoked"
)

// Definition describes one catalog entry.
type Definition struct {
	Name        Type   `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

var catalog = map[Type]Definition{
	UserCreated:         {UserCreated, "user", "User created"},
	UserUpdated:         {UserUpdated, "user", "User updated"},
	UserDeleted:         {UserDeleted, "user", "User deleted"},
	UserLogin:           {UserLogin, "user", "User logged in"},
	UserLogout:          {UserLogout, "user", "User logged out"},
	UserPasswordChanged: {UserPasswordChanged, "user", "Password changed"},
	UserEmailVerified:   {UserEmailVerified, "user", "Email address verified"},
	User2FAEnabled:      {User2FAEnabled, "user", "Two-factor authentication enabled"},
	User2FADisabled:     {User2FADisabled, "user", "Two-factor authentication disabled"},

	TenantCreated:           {TenantCreated, "tenant", "Tenant created"},
	TenantUpdated:           {TenantUpdated, "tenant", "Tenant updated"},
	TenantDeleted:           {TenantDeleted, "tenant", "Tenant deleted"},
	TenantMemberAdded:       {TenantMemberAdded, "tenant", "Member added to tenant"},
	TenantMemberRemoved:     {TenantMemberRemoved, "tenant", "Member removed from tenant"},
	TenantMemberRoleChanged: {TenantMemberRoleChanged, "tenant", "Member role changed"},
	TenantPlanChanged:       {TenantPlanChanged, "tenant", "Tenant plan changed"},

	SystemMaintenanceStart: {SystemMaintenanceStart, "system", "Maintenance window started"},
	SystemMaintenanceEnd:   {SystemMaintenanceEnd, "system", "Maintenance window ended"},
	SystemBackupCompleted:  {SystemBackupCompleted, "system", "Backup completed"},
	SystemBackupFailed:     {SystemBackupFailed, "system", "Backup failed"},
	SystemWebhookTest:      {SystemWebhookTest, "system", "Synthetic webhook test delivery"},

	SecurityLoginFailed:        {SecurityLoginFailed, "security", "Login attempt failed"},
	SecuritySuspiciousActivity: {SecuritySuspiciousActivity, "security", "Suspicious activity detected"},
	SecurityTokenRevoked:       {SecurityTokenRevoked, "security", "Token revoked"},
}

// IsKnown reports whether name is a catalog event type.
func IsKnown(name string) bool {
	_, ok := catalog[Type(name)]
	return ok
}

// Lookup returns the definition for name.
func Lookup(name string) (Definition, bool) {
	def, ok := catalog[Type(name)]
	return def, ok
}

// All returns every catalog entry ordered by name.
func All() []Definition {
	defs := make([]Definition, 0, len(catalog))
	for _, def := range catalog {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Unknown returns the names in names that are not in the catalog, in input order.
func Unknown(names []string) []string {
	var unknown []string
	for _, name := range names {
		if !IsKnown(name) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

func (t Type) String() string { return string(t) }
