// Package transport holds the UploadTransport implementations a pipeline can
// deliver its batches to: the ohmage HTTP API and the GCP archive targets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// ErrUnknownDomain is returned when a transport is built for a domain it
// cannot serve.
var ErrUnknownDomain = errors.New("unknown domain")

const (
	// ProbeEndpoint receives observer stream uploads.
	ProbeEndpoint = "/app/stream/upload"
	// ResponseEndpoint receives survey response uploads.
	ResponseEndpoint = "/app/survey/upload"

	// DefaultClientName is sent as the client parameter when none is configured.
	DefaultClientName = "fieldsync"

	// maxResponseBytes bounds how much of a server reply is read.
	maxResponseBytes = 64 << 10
)

// authErrorCodes are the ohmage codes for unknown users, bad passwords and
// disabled accounts.
var authErrorCodes = map[string]struct{}{
	"0200": {},
	"0201": {},
	"0202": {},
}

// OhmageConfig configures the ohmage HTTP transport.
type OhmageConfig struct {
	ServerURL  string
	ClientName string
	Timeout    time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// OhmageTransport uploads batches with the ohmage form-encoded upload calls.
// Each instance serves one domain.
type OhmageTransport struct {
	endpoint string
	domain   types.Domain
	client   string
	http     *http.Client
	logger   zerolog.Logger
}

type ohmageResult struct {
	Result string `json:"result"`
	Errors []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"errors"`
}

// NewOhmageTransport creates the transport for domain against cfg.ServerURL.
func NewOhmageTransport(cfg OhmageConfig, domain types.Domain, logger zerolog.Logger) (*OhmageTransport, error) {
	base, err := url.Parse(cfg.ServerURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ohmage server url %q", cfg.ServerURL)
	}

	var path string
	switch domain {
	case types.DomainProbes:
		path = ProbeEndpoint
	case types.DomainResponses:
		path = ResponseEndpoint
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}

	logger = logger.With().Str("component", "OhmageTransport").Str("domain", string(domain)).Logger()
	if cfg.ClientName == "" {
		logger.Warn().Str("client", DefaultClientName).Msg("ClientName not set, using default")
		cfg.ClientName = DefaultClientName
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OhmageTransport{
		endpoint: strings.TrimRight(base.String(), "/") + path,
		domain:   domain,
		client:   cfg.ClientName,
		http:     httpClient,
		logger:   logger,
	}, nil
}

// Upload posts the batch and classifies the server's verdict. Network errors
// and unreadable replies are returned as errors.
func (t *OhmageTransport) Upload(ctx context.Context, account types.Account, group types.Group, batch types.Batch) (types.SyncResult, error) {
	form := url.Values{
		"user":     {account.Username},
		"password": {account.Token},
		"client":   {t.client},
	}
	switch t.domain {
	case types.DomainProbes:
		form.Set("observer_id", group.Name)
		form.Set("observer_version", group.Version)
		form.Set("data", string(batch.Payload()))
	case types.DomainResponses:
		form.Set("campaign_urn", group.Name)
		form.Set("campaign_creation_timestamp", group.Version)
		form.Set("surveys", string(batch.Payload()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("upload to %s failed: %w", t.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return types.AuthFailed(), nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.logger.Warn().Int("status_code", resp.StatusCode).Str("group_key", group.Key).Msg("Upload returned non-OK status")
		return types.SyncResult{}, fmt.Errorf("upload to %s returned status %d", t.endpoint, resp.StatusCode)
	}

	var result ohmageResult
	if err := json.Unmarshal(body, &result); err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return classify(result), nil
}

func classify(r ohmageResult) types.SyncResult {
	switch r.Result {
	case "success":
		return types.Succeeded()
	case "failure":
		codes := make([]string, 0, len(r.Errors))
		auth := false
		for _, e := range r.Errors {
			codes = append(codes, e.Code)
			if _, ok := authErrorCodes[e.Code]; ok {
				auth = true
			}
		}
		if auth {
			return types.AuthFailed(codes...)
		}
		return types.Failed(codes...)
	default:
		return types.Failed()
	}
}

var _ syncengine.UploadTransport = (*OhmageTransport)(nil)
