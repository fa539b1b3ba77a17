package models

import "time"

type AuditAction string

const (
	AuditPIIRead   AuditAction = "pii.read"
	AuditPIIDelete AuditAction = "pii.delete"
	AuditPIIUpdate AuditAction = "pii.update"
	AuditPIIInsert AuditAction = "pii.insert"
)

type AuditEvent struct {
	EventID    string      `bson:"event_id" json:"event_id"`
	Action     AuditAction `bson:"action" json:"action"`
	ActorID    string      `bson:"actor_id" json:"actor_id"`
	TargetID   string      `bson:"target_id" json:"target_id"`
	SourceIP   string      `bson:"source_ip,omitempty" json:"source_ip,omitempty"`
	UserAgent  string      `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	RequestID  string      `bson:"request_id,omitempty" json:"request_id,omitempty"`
	OccurredAt time.Time   `bson:"occurred_at" json:"occurred_at"`
}
