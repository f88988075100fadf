// Package events delivers the lifecycle events of sync runs to whoever is
// interested: in-process subscribers, user notifications and the log.
package events

import (
	"strings"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindStarted      Kind = "started"
	KindFinished     Kind = "finished"
	KindError        Kind = "error"
	KindAuthRequired Kind = "auth_required"
	KindSkipped      Kind = "skipped"
)

// Event is one lifecycle event of a pipeline run.
type Event struct {
	Kind   Kind         `json:"kind"`
	Domain types.Domain `json:"domain"`
	// Group is set for skipped records.
	Group     string           `json:"group,omitempty"`
	Codes     []string         `json:"codes,omitempty"`
	RecordIDs []types.RecordID `json:"record_ids,omitempty"`
	Time      time.Time        `json:"time"`
}

// Notifier raises a user-visible notification, e.g. a desktop or push alert.
type Notifier interface {
	Notify(domain types.Domain, message string)
}

// NotificationSink is the sink used by background runs: nobody is watching,
// so only failures that carry remote error codes and auth failures are
// surfaced, and everything else is dropped.
type NotificationSink struct {
	syncengine.NopSink
	notifier Notifier
}

// NewNotificationSink creates a NotificationSink raising notifications on n.
func NewNotificationSink(n Notifier) *NotificationSink {
	return &NotificationSink{notifier: n}
}

func (s *NotificationSink) OnError(domain types.Domain, codes []string) {
	if len(codes) == 0 {
		return
	}
	s.notifier.Notify(domain, "upload failed: "+strings.Join(codes, ", "))
}

func (s *NotificationSink) OnAuthRequired(domain types.Domain) {
	s.notifier.Notify(domain, "sign in again to resume uploads")
}

// LogSink writes every event to a logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "SyncEvents").Logger()}
}

func (s *LogSink) OnStarted(domain types.Domain) {
	s.logger.Debug().Str("domain", string(domain)).Msg("Upload started")
}

func (s *LogSink) OnFinished(domain types.Domain) {
	s.logger.Info().Str("domain", string(domain)).Msg("Upload finished")
}

func (s *LogSink) OnError(domain types.Domain, codes []string) {
	s.logger.Error().Str("domain", string(domain)).Strs("error_codes", codes).Msg("Upload failed")
}

func (s *LogSink) OnAuthRequired(domain types.Domain) {
	s.logger.Warn().Str("domain", string(domain)).Msg("Upload needs new credentials")
}

func (s *LogSink) OnSkipped(domain types.Domain, group types.Group, ids []types.RecordID) {
	s.logger.Warn().
		Str("domain", string(domain)).
		Str("group_key", group.Key).
		Int("record_count", len(ids)).
		Msg("Records cannot be uploaded")
}

// MultiSink forwards every event to each of its sinks in order.
type MultiSink []syncengine.EventSink

func (m MultiSink) OnStarted(domain types.Domain) {
	for _, s := range m {
		s.OnStarted(domain)
	}
}

func (m MultiSink) OnFinished(domain types.Domain) {
	for _, s := range m {
		s.OnFinished(domain)
	}
}

func (m MultiSink) OnError(domain types.Domain, codes []string) {
	for _, s := range m {
		s.OnError(domain, codes)
	}
}

func (m MultiSink) OnAuthRequired(domain types.Domain) {
	for _, s := range m {
		s.OnAuthRequired(domain)
	}
}

func (m MultiSink) OnSkipped(domain types.Domain, group types.Group, ids []types.RecordID) {
	for _, s := range m {
		s.OnSkipped(domain, group, ids)
	}
}

// LogNotifier is a Notifier that writes notifications to a logger, for
// headless deployments.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(domain types.Domain, message string) {
	n.Logger.Warn().Str("domain", string(domain)).Str("notification", message).Msg("Sync notification")
}

var (
	_ syncengine.EventSink = (*NotificationSink)(nil)
	_ syncengine.EventSink = (*LogSink)(nil)
	_ syncengine.EventSink = MultiSink(nil)
	_ syncengine.EventSink = (*Broadcaster)(nil)
)
