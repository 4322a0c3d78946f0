// Package notify evaluates notification policy, dispatches across channels,
// and runs the scheduled broadcast loop.
package notify

import (
	"time"
)

// Priority is totally ordered: low < medium < high < critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the priority's position in the total order. Unknown values
// rank as medium.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityMedium]
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Channel is a delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelDiscord Channel = "discord"
)

// NetworkEvent is one observed condition that may fan out to multiple
// recipients and channels. EventID ties the resulting records back to the
// event; the dispatcher stamps it when the producer did not.
type NetworkEvent struct {
	EventID       string    `json:"event_id,omitempty"`
	EventType     string    `json:"event_type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	DeviceIP      string    `json:"device_ip,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	PreviousState string    `json:"previous_state,omitempty"`
	CurrentState  string    `json:"current_state,omitempty"`
	Priority      Priority  `json:"priority,omitempty"`
	NetworkID     *int64    `json:"network_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NotificationRecord is the outcome of one (recipient, channel) delivery
// attempt. Records from one multi-channel dispatch share an EventID.
type NotificationRecord struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Channel   Channel   `json:"channel"`
	Recipient string    `json:"recipient"`
	Priority  Priority  `json:"priority"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	NetworkID *int64    `json:"network_id"`
	SentAt    time.Time `json:"sent_at"`
}

// QuietHours is a daily window in the owner's timezone. Start after End
// means the window wraps past midnight.
type QuietHours struct {
	Enabled        bool      `json:"enabled"`
	Start          string    `json:"start"` // "22:00"
	End            string    `json:"end"`   // "07:00"
	BypassPriority *Priority `json:"bypass_priority,omitempty"`
}

// NetworkPreferences is one network's notification policy.
type NetworkPreferences struct {
	NetworkID                 int64               `json:"network_id"`
	Enabled                   bool                `json:"enabled"`
	EmailEnabled              bool                `json:"email_enabled"`
	EmailRecipients           []string            `json:"email_recipients,omitempty"`
	DiscordEnabled            bool                `json:"discord_enabled"`
	DiscordWebhookURL         string              `json:"discord_webhook_url,omitempty"`
	EnabledNotificationTypes  []string            `json:"enabled_notification_types"`
	NotificationTypePriority  map[string]Priority `json:"notification_type_priorities,omitempty"`
	MinimumPriority           Priority            `json:"minimum_priority"`
	QuietHours                QuietHours          `json:"quiet_hours"`
	Timezone                  string              `json:"timezone,omitempty"`
	MaxNotificationsPerHour   int                 `json:"max_notifications_per_hour"`
}

// defaultEnabledTypes covers the event types a fresh network gets.
var defaultEnabledTypes = []string{
	"device_down", "device_up", "device_degraded",
	"anomaly_detected", "speed_test_complete", "scheduled_broadcast",
}

// DefaultNetworkPreferences returns the policy a network starts with.
func DefaultNetworkPreferences(networkID int64) *NetworkPreferences {
	return &NetworkPreferences{
		NetworkID:                networkID,
		Enabled:                  true,
		EnabledNotificationTypes: append([]string(nil), defaultEnabledTypes...),
		MinimumPriority:          PriorityLow,
		MaxNotificationsPerHour:  20,
		Timezone:                 "UTC",
	}
}

// TypeEnabled reports whether eventType is in the enabled set.
func (p *NetworkPreferences) TypeEnabled(eventType string) bool {
	for _, t := range p.EnabledNotificationTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// AnyChannelConfigured reports whether at least one channel is both enabled
// and has a destination.
func (p *NetworkPreferences) AnyChannelConfigured() bool {
	if p.EmailEnabled && len(p.EmailRecipients) > 0 {
		return true
	}
	if p.DiscordEnabled && p.DiscordWebhookURL != "" {
		return true
	}
	return false
}

// GlobalPreferences is a user's cross-network notification policy.
type GlobalPreferences struct {
	UserID          int64    `json:"user_id"`
	Email           string   `json:"email,omitempty"`
	EmailEnabled    bool     `json:"email_enabled"`
	DigestEnabled   bool     `json:"digest_enabled"`
	MinimumPriority Priority `json:"minimum_priority"`
}

// DefaultGlobalPreferences returns a user's starting global policy.
func DefaultGlobalPreferences(userID int64) *GlobalPreferences {
	return &GlobalPreferences{
		UserID:          userID,
		EmailEnabled:    true,
		MinimumPriority: PriorityLow,
	}
}

// BroadcastStatus is the scheduled broadcast state machine.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastSent      BroadcastStatus = "sent"
	BroadcastFailed    BroadcastStatus = "failed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

// ScheduledBroadcast is an operator message delivered to all network members
// at a future time.
type ScheduledBroadcast struct {
	ID           string          `json:"id"`
	NetworkID    int64           `json:"network_id"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	EventType    string          `json:"event_type"`
	Priority     Priority        `json:"priority"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Status       BroadcastStatus `json:"status"`
	CreatedBy    int64           `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	SeenAt       *time.Time      `json:"seen_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}
