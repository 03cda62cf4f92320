package models

import "time"

// AuditAction constants represent token lifecycle events.
const (
	AuditActionLogin   = "LOGIN"
	AuditActionIssue   = "TOKEN_ISSUE"
	AuditActionRefresh = "TOKEN_REFRESH"
	AuditActionRevoke  = "TOKEN_REVOKE"
)

// AuditLog represents an audit trail record. It never carries token material.
type AuditLog struct {
	ID          string    `db:"id" json:"id"`
	PrincipalID *string   `db:"principal_id" json:"principal_id,omitempty"`
	Action      string    `db:"action" json:"action"`
	Resource    string    `db:"resource" json:"resource"`
	NewValues   []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
