package store

import (
	"database/sql"
	"time"
)

// Role is a user's platform-wide role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// NetworkRole is a per-network permission grant.
type NetworkRole string

const (
	NetworkRoleViewer NetworkRole = "viewer"
	NetworkRoleEditor NetworkRole = "editor"
)

// AuthProviderName identifies the origin of a provider link.
type AuthProviderName string

const (
	ProviderLocal     AuthProviderName = "local"
	ProviderExternalA AuthProviderName = "external-a"
	ProviderExternalB AuthProviderName = "external-b"
)

// InviteStatus is the lifecycle state of an invite.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteRevoked  InviteStatus = "revoked"
	InviteExpired  InviteStatus = "expired"
)

// User is a platform account. Email is unique case-insensitively.
type User struct {
	ID             int64     `db:"id"`
	Username       string    `db:"username"`
	Email          string    `db:"email"`
	Role           Role      `db:"role"`
	HashedPassword string    `db:"hashed_password"`
	Verified       bool      `db:"verified"`
	Active         bool      `db:"active"`
	Timezone       string    `db:"timezone"`
	AvatarURL      string    `db:"avatar_url"`
	FirstName      string    `db:"first_name"`
	LastName       string    `db:"last_name"`
	CreatedAt      time.Time `db:"created_at"`
}

// ProviderLink binds an external identity to a local user. At most one link
// per (provider, provider_user_id) and per (user, provider).
type ProviderLink struct {
	ID             int64            `db:"id"`
	UserID         int64            `db:"user_id"`
	Provider       AuthProviderName `db:"auth_provider"`
	ProviderUserID string           `db:"provider_user_id"`
	CreatedAt      time.Time        `db:"created_at"`
}

// Invite is a single-use invitation to join the platform.
type Invite struct {
	ID        int64        `db:"id"`
	Email     string       `db:"email"`
	Role      Role         `db:"role"`
	Token     string       `db:"token"`
	Status    InviteStatus `db:"status"`
	ExpiresAt time.Time    `db:"expires_at"`
	CreatedAt time.Time    `db:"created_at"`
}

// Network is a tenant: a distinct topology with its own settings.
type Network struct {
	ID          int64     `db:"id"`
	OwnerUserID int64     `db:"owner_user_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	AgentKey    string    `db:"agent_key"` // 64-hex shared secret
	LayoutData  []byte    `db:"layout_data"`
	CreatedAt   time.Time `db:"created_at"`
}

// NetworkPermission grants a user viewer or editor access to a network.
type NetworkPermission struct {
	NetworkID int64       `db:"network_id"`
	UserID    int64       `db:"user_id"`
	Role      NetworkRole `db:"role"`
	CreatedAt time.Time   `db:"created_at"`
}

// UserPlanSettings holds a user's plan and plan-scoped limits. Created on
// demand with defaults.
type UserPlanSettings struct {
	UserID                  int64  `db:"user_id"`
	PlanID                  string `db:"plan_id"`
	OwnedNetworksLimit      int    `db:"owned_networks_limit"`
	AssistantDailyChatLimit int64  `db:"assistant_daily_chat_limit"`
}

// LimitMode distinguishes the three states of a per-user daily limit.
type LimitMode int

const (
	// LimitDefault means no override: the system default applies.
	LimitDefault LimitMode = iota
	// LimitUnlimited means no quota is enforced.
	LimitUnlimited
	// LimitCustom means a specific positive limit applies.
	LimitCustom
)

// LimitSetting is the tri-state daily limit. The relational column stores
// NULL / -1 / k, but the API surface never exposes the -1 magic value.
type LimitSetting struct {
	Mode  LimitMode
	Value int64 // meaningful only when Mode == LimitCustom
}

// UserRateLimit is the persisted per-user quota row.
type UserRateLimit struct {
	UserID       int64         `db:"user_id"`
	DailyLimit   sql.NullInt64 `db:"daily_limit"` // NULL=default, -1=unlimited, k>0=custom
	IsRoleExempt bool          `db:"is_role_exempt"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

// Setting decodes the stored column into the tri-state.
func (r *UserRateLimit) Setting() LimitSetting {
	if !r.DailyLimit.Valid {
		return LimitSetting{Mode: LimitDefault}
	}
	if r.DailyLimit.Int64 == -1 {
		return LimitSetting{Mode: LimitUnlimited}
	}
	return LimitSetting{Mode: LimitCustom, Value: r.DailyLimit.Int64}
}

// columnValue encodes a tri-state setting back into the stored column.
func (s LimitSetting) columnValue() sql.NullInt64 {
	switch s.Mode {
	case LimitUnlimited:
		return sql.NullInt64{Int64: -1, Valid: true}
	case LimitCustom:
		return sql.NullInt64{Int64: s.Value, Valid: true}
	default:
		return sql.NullInt64{}
	}
}
