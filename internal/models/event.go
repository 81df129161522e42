// Package models 提供 correlator、policy、orchestrator、audit 等组件共用的数据类型。
package models

import (
	"errors"
	"fmt"
	"time"
)

// EventType 传感器事件类型。
type EventType string

const (
	// EventPOS 收银台扫描/交易事件。
	EventPOS EventType = "POS_TRANSACTION"
	// EventCamera 视觉节点观测事件。
	EventCamera EventType = "CAMERA_OBSERVATION"
)

// ErrMalformedEvent 表示事件在入口校验失败；不写审计，仅本地日志。
var ErrMalformedEvent = errors.New("models: malformed event")

// EventDetails 传感器相关负载；计数与置信度用指针区分「未上报」与「为 0」。
type EventDetails struct {
	ItemsScanned         *int           `json:"items_scanned,omitempty"`
	EstimatedItemsBagged *int           `json:"estimated_items_bagged,omitempty"`
	Confidence           *float64       `json:"confidence,omitempty"`
	TransactionID        string         `json:"transaction_id,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// Event 表示一条 POS 或摄像头事件，接收后不再修改。
type Event struct {
	EventID   string       `json:"event_id"`
	TillID    string       `json:"till_id"`
	CameraID  string       `json:"camera_id,omitempty"`
	StoreID   string       `json:"store_id"`
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Details   EventDetails `json:"details"`
}

// Validate 入口校验：必填字段、计数非负、置信度在 [0,1]。
func (e *Event) Validate() error {
	if e.EventID == "" {
		return malformed("event_id", "missing")
	}
	if e.TillID == "" {
		return malformed("till_id", "missing")
	}
	if e.Timestamp.IsZero() {
		return malformed("timestamp", "missing")
	}
	d := e.Details
	switch e.Type {
	case EventPOS:
		if d.ItemsScanned == nil {
			return malformed("details.items_scanned", "missing")
		}
		if *d.ItemsScanned < 0 {
			return malformed("details.items_scanned", "negative")
		}
	case EventCamera:
		if d.EstimatedItemsBagged == nil {
			return malformed("details.estimated_items_bagged", "missing")
		}
		if *d.EstimatedItemsBagged < 0 {
			return malformed("details.estimated_items_bagged", "negative")
		}
		if d.Confidence == nil {
			return malformed("details.confidence", "missing")
		}
	default:
		return malformed("type", fmt.Sprintf("unknown %q", e.Type))
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return malformed("details.confidence", "out of [0,1]")
	}
	return nil
}

func malformed(field, why string) error {
	return fmt.Errorf("%w: %s %s", ErrMalformedEvent, field, why)
}

// Scanned 返回 POS 扫描件数；未上报为 0。
func (e *Event) Scanned() int {
	if e.Details.ItemsScanned == nil {
		return 0
	}
	return *e.Details.ItemsScanned
}

// Bagged 返回视觉估计装袋件数；未上报为 0。
func (e *Event) Bagged() int {
	if e.Details.EstimatedItemsBagged == nil {
		return 0
	}
	return *e.Details.EstimatedItemsBagged
}

// Confidence 返回视觉置信度；未上报为 0。
func (e *Event) Confidence() float64 {
	if e.Details.Confidence == nil {
		return 0
	}
	return *e.Details.Confidence
}
