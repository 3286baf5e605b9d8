package domain

import "time"

// Notification is the push payload sent to holders.
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	TargetURL string `json:"target_url"`
}

// NotificationRecord is a delivered notification as kept in the notification log.
type NotificationRecord struct {
	ID           int64
	SentAt       time.Time
	Notification Notification
	FIDs         []int64
}
