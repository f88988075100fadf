package types

import (
	"encoding/json"
	"time"
)

// Observation is one sensor reading produced by an observer on the device,
// waiting in the probes table until it has been uploaded.
type Observation struct {
	Owner           string
	ObserverID      string
	ObserverVersion string
	StreamID        string
	StreamVersion   int
	// Data and Metadata are stored verbatim and may be empty.
	Data     json.RawMessage
	Metadata json.RawMessage
	Time     time.Time
}

// SurveyResponse is a completed survey waiting in the responses table.
type SurveyResponse struct {
	Owner           string
	CampaignURN     string
	CampaignCreated string
	// Response is the full response document as it will be uploaded.
	Response json.RawMessage
	Time     time.Time
}
