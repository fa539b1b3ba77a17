package mongodb

import "errors"

const (
	CollectionKYCSessions  = "kyc_sessions"
	CollectionUserProfiles = "user_profiles"
	CollectionAuditLog     = "audit_log"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)
