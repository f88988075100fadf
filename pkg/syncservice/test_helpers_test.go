package syncservice_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/pipelines"
	"github.com/illmade-knight/go-fieldsync/pkg/recordstore"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/syncservice"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const owner = "alice"

// scriptedTransport answers uploads with respond, or success when it is nil.
// When gate is set every upload waits for it to be closed.
type scriptedTransport struct {
	mu      sync.Mutex
	calls   []string
	respond func(group types.Group) types.SyncResult
	gate    chan struct{}
	entered chan struct{}
}

func (s *scriptedTransport) Upload(_ context.Context, _ types.Account, group types.Group, _ types.Batch) (types.SyncResult, error) {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, group.Key)
	if s.respond != nil {
		return s.respond(group), nil
	}
	return types.Succeeded(), nil
}

func (s *scriptedTransport) uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type kindSink struct {
	syncengine.NopSink
	mu     sync.Mutex
	events []string
}

func (k *kindSink) OnStarted(d types.Domain)  { k.add("started:" + string(d)) }
func (k *kindSink) OnFinished(d types.Domain) { k.add("finished:" + string(d)) }
func (k *kindSink) OnError(d types.Domain, _ []string) {
	k.add("error:" + string(d))
}

func (k *kindSink) add(e string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.events = append(k.events, e)
}

func (k *kindSink) all() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.events...)
}

type harness struct {
	store      *recordstore.MemoryStore
	transport  *scriptedTransport
	foreground *kindSink
	background *kindSink
	reports    chan types.SyncReport
	service    *syncservice.Service
}

func newHarness(t *testing.T, account syncservice.AccountProvider) *harness {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	h := &harness{
		store:      recordstore.NewMemoryStore(logger),
		transport:  &scriptedTransport{},
		foreground: &kindSink{},
		background: &kindSink{},
		reports:    make(chan types.SyncReport, 8),
	}
	engine := syncengine.NewEngine(syncengine.DefaultConfig(), nil, logger)
	service, err := syncservice.New(syncservice.Options{
		Engine: engine,
		Pipelines: []syncengine.Pipeline{
			pipelines.Probes(pipelines.Options{Store: h.store.Probes(), Transport: h.transport}),
			pipelines.Responses(pipelines.Options{Store: h.store.Responses(), Transport: h.transport}),
		},
		Accounts:       account,
		Watermark:      h.store,
		Pending:        h.store,
		ForegroundSink: h.foreground,
		BackgroundSink: h.background,
		Listener: syncservice.ReportListenerFunc(func(r types.SyncReport) {
			h.reports <- r
		}),
	}, logger)
	require.NoError(t, err)
	h.service = service
	return h
}

func (h *harness) addProbe(t *testing.T, observer, version string) {
	t.Helper()
	_, err := h.store.InsertObservation(context.Background(), types.Observation{
		Owner: owner, ObserverID: observer, ObserverVersion: version,
		StreamID: "s", StreamVersion: 1, Data: json.RawMessage(`{"v":1}`), Time: time.Now(),
	})
	require.NoError(t, err)
}

func (h *harness) addResponse(t *testing.T, campaign string) {
	t.Helper()
	_, err := h.store.InsertResponse(context.Background(), types.SurveyResponse{
		Owner: owner, CampaignURN: campaign, CampaignCreated: "2024-01-01 00:00:00",
		Response: json.RawMessage(`{"survey_id":"s"}`), Time: time.Now(),
	})
	require.NoError(t, err)
}

func (h *harness) pending(t *testing.T, domain types.Domain) int {
	t.Helper()
	n, err := h.store.PendingCount(context.Background(), domain, owner)
	require.NoError(t, err)
	return n
}

type fixedPower syncservice.PowerState

func (p fixedPower) PowerState(context.Context) (syncservice.PowerState, error) {
	return syncservice.PowerState(p), nil
}
