// Package cloudevent implements just enough of CloudEvents 1.0 for the
// service's completion callbacks: the envelope type, the structured JSON
// HTTP binding, and HMAC payload signatures.
package cloudevent

import "time"

// CloudEvent is a CloudEvents 1.0 envelope. Field names and JSON keys
// follow the CloudEvents 1.0 specification.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New builds an envelope stamped with the current UTC time, spec version
// 1.0, and a JSON data content type.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
