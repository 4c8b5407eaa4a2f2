package types

import "time"

// TriggerEvent is a fact asserted by an external system (attendance,
// academic, fee or admin sources) that may cause notification generation.
type TriggerEvent struct {
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	SchoolID  uint                   `json:"school_id"`
	StudentID uint                   `json:"student_id,omitempty"`
}

// RoleContext is the scope the Auth collaborator resolved for the caller.
type RoleContext struct {
	UserID     uint   `json:"user_id"`
	Role       string `json:"role"`
	SchoolID   uint   `json:"school_id"`
	ClassIDs   []uint `json:"class_ids,omitempty"`
	StudentIDs []uint `json:"student_ids,omitempty"`
}

// DeliveryResult is what the Channel Gateway reports for one send.
type DeliveryResult struct {
	Channel     string
	Success     bool
	Retryable   bool
	ProviderRef string
	Err         error
}
