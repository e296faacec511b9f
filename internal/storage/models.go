package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationRecord is an audit row for every proximity notification the tracker fired.
type NotificationRecord struct {
	ID             int64
	NotificationID string
	ActivityID     string
	Title          string
	Body           string
	DistanceMeters decimal.Decimal
	FiredAt        time.Time
	Delivered      bool
	Error          *string
	CreatedAt      time.Time
}
