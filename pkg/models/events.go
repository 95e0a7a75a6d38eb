package models

import "time"

// CloudEvent is the CloudEvents 1.0 envelope published to NATS.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// GatewayHealthEventData is the payload of a gateway health transition event.
type GatewayHealthEventData struct {
	GatewayID     string        `json:"gateway_id"`
	Hostname      string        `json:"hostname"`
	PreviousState HealthState   `json:"previous_state"`
	CurrentState  HealthState   `json:"current_state"`
	Outcome       string        `json:"outcome"`
	Error         string        `json:"error,omitempty"`
	Latency       time.Duration `json:"latency"`
	Timestamp     time.Time     `json:"timestamp"`
}
