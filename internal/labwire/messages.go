// Package labwire defines the wire protocol between a lab's Master Syncer
// and the master scheduler (§4.C/§4.D), for deployments that carry sync
// traffic over the reference websocket transport in
// internal/mastersync/wsclient rather than an in-process Master Sync
// Client. Both sides import this package for type safety.
package labwire

import "time"

// MessageType identifies the kind of message on the sync websocket.
type MessageType string

const (
	// Lab -> Master
	MsgSignUpLab    MessageType = "sign_up_lab"
	MsgHeartbeatLab MessageType = "heartbeat_lab"
	MsgSignOutDevice MessageType = "sign_out_device"

	// Master -> Lab
	MsgSignUpLabResult    MessageType = "sign_up_lab_result"
	MsgHeartbeatLabResult MessageType = "heartbeat_lab_result"
	MsgAck                MessageType = "ack"
	MsgError              MessageType = "error"
)

// Envelope wraps every message on the sync wire.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// DeviceSnapshot is one device's published status within a sign-up or
// heartbeat batch.
type DeviceSnapshot struct {
	UUID            string `json:"uuid"`
	ControlID       string `json:"control_id"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	ExceptionDetail string `json:"exception_detail,omitempty"`
}

// SignUpLabPayload is signUpLab's request body.
type SignUpLabPayload struct {
	LabID   string           `json:"lab_id"`
	Devices []DeviceSnapshot `json:"devices"`
}

// SignUpLabResultPayload is signUpLab's response body.
type SignUpLabResultPayload struct {
	DuplicatedUUIDs []string `json:"duplicated_uuids,omitempty"`
}

// HeartbeatLabPayload is heartbeatLab's request body.
type HeartbeatLabPayload struct {
	LabID   string           `json:"lab_id"`
	Devices []DeviceSnapshot `json:"devices"`
}

// HeartbeatLabResultPayload is heartbeatLab's response body.
type HeartbeatLabResultPayload struct {
	SignUpAll     bool     `json:"sign_up_all"`
	OutdatedUUIDs []string `json:"outdated_uuids,omitempty"`
}

// SignOutDevicePayload is signOutDevice's request body.
type SignOutDevicePayload struct {
	LabID string `json:"lab_id"`
	UUID  string `json:"uuid"`
}

// ErrorPayload carries a transient failure description for any of the
// three RPCs above.
type ErrorPayload struct {
	Message string `json:"message"`
}
