package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Attribute keys set on every published batch.
const (
	AttrDomain       = "domain"
	AttrOwner        = "owner"
	AttrGroupKey     = "group_key"
	AttrGroupName    = "group_name"
	AttrGroupVersion = "group_version"
	AttrRecordCount  = "record_count"
)

// PubSubConfig configures the Pub/Sub transport.
type PubSubConfig struct {
	TopicID string
	// Ordered publishes the batches of one owner and group with a shared
	// ordering key.
	Ordered bool
}

// PubSubTransport publishes each batch as a single message whose data is the
// batch's JSON array and whose attributes describe the group.
type PubSubTransport struct {
	topic   *pubsub.Topic
	domain  types.Domain
	ordered bool
	logger  zerolog.Logger
}

// NewPubSubTransport creates a transport publishing to topicID.
func NewPubSubTransport(client *pubsub.Client, cfg PubSubConfig, domain types.Domain, logger zerolog.Logger) (*PubSubTransport, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("pubsub topic id is required")
	}
	topic := client.Topic(cfg.TopicID)
	topic.EnableMessageOrdering = cfg.Ordered
	return &PubSubTransport{
		topic:   topic,
		domain:  domain,
		ordered: cfg.Ordered,
		logger: logger.With().
			Str("component", "PubSubTransport").
			Str("domain", string(domain)).
			Str("topic_id", cfg.TopicID).
			Logger(),
	}, nil
}

// Upload publishes the batch and waits for the server to acknowledge it.
func (t *PubSubTransport) Upload(ctx context.Context, account types.Account, group types.Group, batch types.Batch) (types.SyncResult, error) {
	msg := &pubsub.Message{
		Data: batch.Payload(),
		Attributes: map[string]string{
			AttrDomain:       string(t.domain),
			AttrOwner:        account.Username,
			AttrGroupKey:     group.Key,
			AttrGroupName:    group.Name,
			AttrGroupVersion: group.Version,
			AttrRecordCount:  strconv.Itoa(len(batch.Records)),
		},
	}
	if t.ordered {
		msg.OrderingKey = account.Username + "/" + group.Key
	}

	msgID, err := t.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if t.ordered {
			t.topic.ResumePublish(msg.OrderingKey)
		}
		if result, ok := classifyGRPCError(err); ok {
			return result, nil
		}
		return types.SyncResult{}, fmt.Errorf("failed to publish batch for %s: %w", group.Key, err)
	}

	t.logger.Info().Str("msg_id", msgID).Str("group_key", group.Key).Int("batch_size", len(batch.Records)).Msg("Published batch")
	return types.Succeeded(), nil
}

// Stop flushes pending messages for the topic.
func (t *PubSubTransport) Stop() {
	t.topic.Stop()
}

// classifyGRPCError maps rejected credentials to an auth failure and other
// definitive rejections to a failure carrying the gRPC code.
func classifyGRPCError(err error) (types.SyncResult, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return types.SyncResult{}, false
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return types.AuthFailed(st.Code().String()), true
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition:
		return types.Failed(st.Code().String()), true
	default:
		return types.SyncResult{}, false
	}
}

var _ syncengine.UploadTransport = (*PubSubTransport)(nil)
