package api

import (
	"github.com/mattjoyce/smsbridge/internal/bridge"
)

// RecordRequest is the JSON body for POST /records.
type RecordRequest struct {
	URI string `json:"uri"`
}

// RecordResponse is returned once a record is queued.
type RecordResponse struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// OutcomeRequest is the JSON body for POST /outcomes.
type OutcomeRequest struct {
	CommandID  int64  `json:"command_id"`
	URI        string `json:"uri,omitempty"`
	ResultCode *int   `json:"result_code"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// StatusResponse is returned by state-changing bridge endpoints.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Bridge        bridge.Status `json:"bridge"`
}
