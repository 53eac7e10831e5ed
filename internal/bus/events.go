package bus

import (
	"time"

	"github.com/oceanplexian/icingo/internal/objects"
)

// CheckResultData accompanies KindCheckResult.
type CheckResultData struct {
	Result *objects.CheckResult `json:"cr"`
}

// StateChangeData accompanies KindStateChange.
type StateChangeData struct {
	State     int `json:"state"`
	StateType int `json:"state_type"`
}

// NextCheckChangedData accompanies KindNextCheckChanged.
type NextCheckChangedData struct {
	NextCheck time.Time `json:"next_check"`
}

// FlappingChangedData accompanies KindFlappingChanged.
type FlappingChangedData struct {
	IsFlapping bool    `json:"is_flapping"`
	Current    float64 `json:"current"`
}

// AcknowledgementData accompanies KindAcknowledgementSet and
// KindAcknowledgementCleared.
type AcknowledgementData struct {
	Author  string    `json:"author,omitempty"`
	Comment string    `json:"comment,omitempty"`
	AckType int       `json:"type,omitempty"`
	Expiry  time.Time `json:"expiry,omitempty"`
}

// NotificationData accompanies KindNotificationSent.
type NotificationData struct {
	NotificationType string `json:"notification_type"`
	State            int    `json:"state"`
	Output           string `json:"output,omitempty"`
}

// CommentData accompanies KindCommentAdded and KindCommentRemoved.
type CommentData struct {
	Comment *objects.Comment `json:"comment"`
}

// DowntimeData accompanies the downtime event kinds.
type DowntimeData struct {
	Downtime *objects.Downtime `json:"downtime"`
}

// AttributeChangedData accompanies KindAttributeChanged.
type AttributeChangedData struct {
	Attribute string      `json:"attribute"`
	Old       interface{} `json:"old"`
	New       interface{} `json:"new"`
}
