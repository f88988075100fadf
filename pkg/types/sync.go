package types

import (
	"time"

	"github.com/google/uuid"
)

// Domain names one synchronized data stream.
type Domain string

const (
	// DomainProbes is the stream of sensor observations.
	DomainProbes Domain = "probes"
	// DomainResponses is the stream of survey responses.
	DomainResponses Domain = "responses"
)

// Account is the owner on whose behalf records are read and uploaded.
type Account struct {
	Username string
	// Token is the credential handed to the transport, typically a hashed
	// password issued at login.
	Token string
}

// SyncStatus classifies the outcome of a single upload call.
type SyncStatus int

const (
	StatusSuccess SyncStatus = iota
	StatusFailure
	StatusAuthFailure
)

func (s SyncStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// SyncResult is the transport's verdict on one batch. ErrorCodes may be
// present on failures and are passed through to error events.
type SyncResult struct {
	Status     SyncStatus
	ErrorCodes []string
}

// Succeeded is a convenience constructor for a successful result.
func Succeeded() SyncResult {
	return SyncResult{Status: StatusSuccess}
}

// Failed builds a failure result carrying the given codes.
func Failed(codes ...string) SyncResult {
	return SyncResult{Status: StatusFailure, ErrorCodes: codes}
}

// AuthFailed builds an authentication failure result.
func AuthFailed(codes ...string) SyncResult {
	return SyncResult{Status: StatusAuthFailure, ErrorCodes: codes}
}

// RunStats counts what a pipeline run achieved.
type RunStats struct {
	Groups          int `json:"groups"`
	Batches         int `json:"batches"`
	RecordsUploaded int `json:"records_uploaded"`
	RecordsDeleted  int `json:"records_deleted"`
	BytesUploaded   int `json:"bytes_uploaded"`
	RecordsSkipped  int `json:"records_skipped"`
}

// RunOutcome summarizes one pipeline run.
type RunOutcome struct {
	Domain Domain `json:"domain"`
	// HadError is set on transport failures and store errors. An
	// authentication failure alone does not set it.
	HadError bool `json:"had_error"`
	// AuthRequired is set when the run was aborted because the remote side
	// rejected the account's credentials.
	AuthRequired bool `json:"auth_required"`
	// Cancelled is set when the run stopped early because its context ended.
	Cancelled bool     `json:"cancelled"`
	Stats     RunStats `json:"stats"`
}

// Clean reports whether the run completed without errors, auth failures or
// cancellation.
func (o RunOutcome) Clean() bool {
	return !o.HadError && !o.AuthRequired && !o.Cancelled
}

// SyncReport describes a complete invocation of the sync service, covering
// every pipeline it ran.
type SyncReport struct {
	RunID             uuid.UUID    `json:"run_id"`
	Background        bool         `json:"background"`
	StartedAt         time.Time    `json:"started_at"`
	FinishedAt        time.Time    `json:"finished_at"`
	Outcomes          []RunOutcome `json:"outcomes"`
	WatermarkAdvanced bool         `json:"watermark_advanced"`
}

// HadError reports whether any pipeline in the report had an error.
func (r SyncReport) HadError() bool {
	for _, o := range r.Outcomes {
		if o.HadError {
			return true
		}
	}
	return false
}

// AuthRequired reports whether any pipeline was stopped by an auth failure.
func (r SyncReport) AuthRequired() bool {
	for _, o := range r.Outcomes {
		if o.AuthRequired {
			return true
		}
	}
	return false
}
