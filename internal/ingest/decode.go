// Package ingest 将 POS 与摄像头事件从 HTTP 之外的接入源（kafka、mqtt）解码并按收银台分片投递。
package ingest

import (
	"encoding/json"
	"fmt"

	"lossguard/internal/models"
)

// Decode 解码一条 JSON 事件并强制类型为 kind；未带 type 时补全，类型不符视为畸形。
func Decode(kind models.EventType, data []byte) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		ev.Type = kind
	}
	if ev.Type != kind {
		return ev, fmt.Errorf("%w: type %q on %s channel", models.ErrMalformedEvent, ev.Type, kind)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}
