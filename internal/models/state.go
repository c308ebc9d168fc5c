package models

import "time"

// LifecycleStatus - состояние синхронизации алерта с трекером задач.
type LifecycleStatus string

const (
	// StatusPending - строка создана, но issue еще не заведен (создатель в процессе или упал).
	StatusPending LifecycleStatus = "pending"
	StatusOpen    LifecycleStatus = "open"
	StatusUpdated LifecycleStatus = "updated"
	StatusClosed  LifecycleStatus = "closed"
)

// AlertState - персистентное состояние одного алерта, ключ - fingerprint.
// IssueNumber выставляется один раз и больше не меняется.
type AlertState struct {
	Fingerprint    string          `gorm:"primaryKey;column:fingerprint"`
	Status         LifecycleStatus `gorm:"index;not null"`
	AlertStatus    AlertStatus     `gorm:"not null"`
	Source         string
	IssueRepo      string
	IssueNumber    *int
	Title          string
	Team           string
	Priority       Priority
	ContentHash    string
	LastEnvelope   DeliveryEnvelope `gorm:"type:text"`
	LastEventAt    time.Time
	LastUpdatedAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	Version        int64 `gorm:"not null;default:1"`
	CreatedAt      time.Time
}

// HasIssue сообщает, привязан ли к алерту issue.
func (s *AlertState) HasIssue() bool {
	return s.IssueNumber != nil && *s.IssueNumber > 0
}

// LeasedByOther сообщает, удерживает ли кто-то, кроме owner, непросроченную аренду строки.
func (s *AlertState) LeasedByOther(owner string, now time.Time) bool {
	if s.LeaseOwner == "" || s.LeaseOwner == owner || s.LeaseExpiresAt == nil {
		return false
	}
	return now.Before(*s.LeaseExpiresAt)
}

// Clone возвращает глубокую копию состояния.
func (s *AlertState) Clone() *AlertState {
	c := *s
	if s.IssueNumber != nil {
		n := *s.IssueNumber
		c.IssueNumber = &n
	}
	if s.LeaseExpiresAt != nil {
		t := *s.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}
