package models

import (
	"strings"
	"time"
)

// AccessSource records where an access grant came from. Hard-coded admins
// are listed in the static config file and cannot be removed at runtime.
type AccessSource string

const (
	SourceHardcodedAdmin AccessSource = "hardcoded_admin"
	SourcePanel          AccessSource = "panel"
)

const RoleAdmin = "admin"

// AccessRecord is the authoritative fact that a user may use the bot.
type AccessRecord struct {
	UserID          int64        `json:"user_id"`
	Source          AccessSource `json:"source"`
	Role            string       `json:"role"`
	Active          bool         `json:"active"`
	SubscriptionEnd *time.Time   `json:"subscription_end,omitempty"`
	AddedAt         time.Time    `json:"added_at"`
}

// Allowed reports whether the record currently grants access: it must be
// active and not past its subscription end.
func (r *AccessRecord) Allowed(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.SubscriptionEnd != nil && r.SubscriptionEnd.Before(now) {
		return false
	}
	return true
}

type NotificationKind string

const (
	KindAdminBlock   NotificationKind = "admin_block"
	KindAdminUnblock NotificationKind = "admin_unblock"
	KindSubWarning   NotificationKind = "sub_warning"
	KindSubExpired   NotificationKind = "sub_expired"
	KindBroadcast    NotificationKind = "broadcast"
	KindPersonal     NotificationKind = "personal"
	KindSystem       NotificationKind = "system"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Glyph returns the prefix the delivery worker puts in front of outbound
// message text.
func (p Priority) Glyph() string {
	switch p {
	case PriorityCritical:
		return "🚨 "
	case PriorityHigh:
		return "⚠️ "
	case PriorityNormal:
		return "ℹ️ "
	default:
		return ""
	}
}

type SelectorKind string

const (
	SelectAll            SelectorKind = "all"
	SelectGroup          SelectorKind = "group"
	SelectActiveOnly     SelectorKind = "active_only"
	SelectExpiringWithin SelectorKind = "expiring_within"
	SelectExplicitList   SelectorKind = "explicit_list"
)

// AudienceSelector turns a broadcast into a concrete recipient set.
type AudienceSelector struct {
	Kind     SelectorKind `json:"kind"`
	GroupTag string       `json:"group_tag,omitempty"`
	Days     int          `json:"days,omitempty"`
	UserIDs  []int64      `json:"user_ids,omitempty"`
}

// Matches applies the selector to one catalogue record. Access checks are the
// caller's job; this is the pure predicate part.
func (s AudienceSelector) Matches(u UserRecord, now time.Time) bool {
	switch s.Kind {
	case SelectAll:
		return true
	case SelectGroup:
		return strings.Contains(strings.ToLower(u.RoleTag), strings.ToLower(s.GroupTag))
	case SelectActiveOnly:
		return u.Active
	case SelectExpiringWithin:
		if u.SubscriptionEnd == nil {
			return false
		}
		left := DaysUntil(*u.SubscriptionEnd, now)
		return left >= 0 && left <= s.Days
	case SelectExplicitList:
		for _, id := range s.UserIDs {
			if id == u.UserID {
				return true
			}
		}
		return false
	}
	return false
}

// DaysUntil is floor((t - now) / 24h). Negative once t is in the past.
func DaysUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d < 0 {
		return -int((-d + 24*time.Hour - 1) / (24 * time.Hour))
	}
	return int(d / (24 * time.Hour))
}

// Notification is one dispatch attempt. Target is either a single user id,
// an audience selector, or neither for system-wide records.
type Notification struct {
	ID          string            `json:"id"`
	Kind        NotificationKind  `json:"kind"`
	Priority    Priority          `json:"priority"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	UserID      int64             `json:"user_id,omitempty"`
	Audience    *AudienceSelector `json:"audience,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	DeliveredTo int64             `json:"delivered_to,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type BroadcastStatus string

const (
	BroadcastPending    BroadcastStatus = "pending"
	BroadcastInProgress BroadcastStatus = "in_progress"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
	BroadcastCancelled  BroadcastStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastFailed || s == BroadcastCancelled
}

// Broadcast is one queued campaign with a lifecycle and delivery counters.
type Broadcast struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Body            string           `json:"body"`
	Priority        Priority         `json:"priority"`
	Audience        AudienceSelector `json:"audience"`
	AdminID         int64            `json:"admin_id"`
	Status          BroadcastStatus  `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ScheduledAt     *time.Time       `json:"scheduled_at,omitempty"`
	TotalRecipients int              `json:"total_recipients"`
	Sent            int              `json:"sent"`
	Failed          int              `json:"failed"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	SuccessRate     float64          `json:"success_rate"`
	ElapsedSeconds  float64          `json:"elapsed_seconds"`
}

// DeliveryReceipt records one recipient outcome of a broadcast.
type DeliveryReceipt struct {
	UserID  int64     `json:"user_id"`
	SentAt  time.Time `json:"sent_at"`
	Success bool      `json:"success"`
}

// UserRecord is the catalogue's view of one subscriber.
type UserRecord struct {
	UserID          int64      `json:"user_id"`
	RoleTag         string     `json:"role_tag"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
	Active          bool       `json:"active"`
}

// Topics (pub/sub channels under the shared store).
const (
	TopicAccessAdded   = "access.added"
	TopicAccessRemoved = "access.removed"
	TopicNotifAdmin    = "notif.admin"
	TopicNotifSub      = "notif.subscription"
	TopicNotifBcast    = "notif.broadcast"
	TopicNotifPersonal = "notif.personal"
	TopicNotifSystem   = "notif.system"
)

// NotifTopics lists every notification channel the delivery worker drains.
var NotifTopics = []string{
	TopicNotifAdmin,
	TopicNotifSub,
	TopicNotifBcast,
	TopicNotifPersonal,
	TopicNotifSystem,
}

// TopicForKind is the fixed kind→topic routing table.
func TopicForKind(k NotificationKind) string {
	switch k {
	case KindAdminBlock, KindAdminUnblock:
		return TopicNotifAdmin
	case KindSubWarning, KindSubExpired:
		return TopicNotifSub
	case KindBroadcast:
		return TopicNotifBcast
	case KindPersonal:
		return TopicNotifPersonal
	default:
		return TopicNotifSystem
	}
}

// Reserved key layout under the shared store.
const (
	KeyAccessUsers    = "access:users"
	KeyNotifPending   = "notif:pending"
	KeyNotifSent      = "notif:sent"
	KeyNotifScheduled = "notif:scheduled"
	KeyBroadcasts     = "broadcasts:messages"
	KeyBroadcastQueue = "broadcasts:queue"
	KeyWorkerLock     = "broadcasts:worker:lock"
	KeyCatalogUsers   = "catalog:users"
)

func KeyNotifStats(day time.Time) string     { return "notif:stats:" + day.Format("2006-01-02") }
func KeyBroadcastStats(day time.Time) string { return "broadcasts:stats:" + day.Format("2006-01-02") }
func KeyDelivery(broadcastID string) string  { return "broadcasts:delivery:" + broadcastID }
func KeyReminders(day time.Time) string      { return "reminders_sent:" + day.Format("2006-01-02") }

// AccessEvent is the payload published on the access topics.
type AccessEvent struct {
	UserID int64     `json:"user_id"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// RevokeTriggerText is a protocol constant shared by the administrative and
// bot processes. When the bot sees this exact text as an inbound message it
// blocks the sender immediately, covering the window where the pub/sub event
// has not arrived yet. Must not change without a coordinated deploy.
const RevokeTriggerText = "⛔ Доступ к боту приостановлен. Обратитесь к администратору."

// Statistics counter fields.
const (
	StatSent           = "sent"
	StatDelivered      = "delivered"
	StatTotal          = "total"
	StatBroadcastsSent = "broadcasts_sent"
	StatMessagesSent   = "messages_sent"
	StatMessagesFailed = "messages_failed"
)
