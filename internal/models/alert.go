package models

import "time"

// Severity 粗粒度紧急程度。
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank 用于比较严重程度；未知值为 0。
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// AlertType 告警类型。
type AlertType string

// AlertUnderscan 观测件数多于扫描件数。
const AlertUnderscan AlertType = "UNDERSCAN"

// AlertStatus 告警生命周期。
type AlertStatus string

const (
	AlertOpen     AlertStatus = "OPEN"
	AlertResolved AlertStatus = "RESOLVED"
)

// AlertDetails 关联结果：delta = bagged - scanned。
type AlertDetails struct {
	Scanned    int     `json:"scanned"`
	Bagged     int     `json:"bagged"`
	Delta      int     `json:"delta"`
	Confidence float64 `json:"confidence"`
}

// Alert 同一 (till_id, type) 同时至多一条 OPEN；再次命中时更新并递增 Revision。
type Alert struct {
	ID            string       `json:"alert_id"`
	TillID        string       `json:"till_id"`
	CameraID      string       `json:"camera_id,omitempty"`
	StoreID       string       `json:"store_id,omitempty"`
	Type          AlertType    `json:"type"`
	Severity      Severity     `json:"severity"`
	Status        AlertStatus  `json:"status"`
	TS            time.Time    `json:"ts"`
	Details       AlertDetails `json:"details"`
	Revision      int          `json:"revision"`
	POSEventID    string       `json:"pos_event_id,omitempty"`
	CameraEventID string       `json:"camera_event_id,omitempty"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy    string       `json:"resolved_by,omitempty"`
}

// IsOpen 是否仍为 OPEN。
func (a *Alert) IsOpen() bool { return a.Status == AlertOpen }
