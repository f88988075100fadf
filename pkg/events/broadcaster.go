package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultSubscriptionBuffer is the channel capacity of a subscription.
const DefaultSubscriptionBuffer = 32

// Subscription receives the events of the domains it was opened for.
type Subscription struct {
	id      int64
	domains map[types.Domain]struct{}
	events  chan Event
}

// Events is closed when the subscription is cancelled or the broadcaster stops.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) wants(domain types.Domain) bool {
	if len(s.domains) == 0 {
		return true
	}
	_, ok := s.domains[domain]
	return ok
}

type unsubscribe struct {
	id int64
}

// Broadcaster is an EventSink that fans events out to in-process
// subscribers, such as the HTTP status stream. It never blocks a sync run: a
// subscriber whose buffer is full misses the event.
//
// All methods require Run to be running.
type Broadcaster struct {
	globalIDs int64
	subs      map[int64]*Subscription
	msgChan   chan interface{}
	done      chan struct{}
	now       func() time.Time
	logger    zerolog.Logger
}

// NewBroadcaster creates a Broadcaster. Call Run to start delivering.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[int64]*Subscription),
		msgChan: make(chan interface{}),
		done:    make(chan struct{}),
		now:     time.Now,
		logger:  logger.With().Str("component", "Broadcaster").Logger(),
	}
}

// Run delivers events until ctx is done, then closes every subscription.
func (b *Broadcaster) Run(ctx context.Context) {
	defer func() {
		for id, sub := range b.subs {
			close(sub.events)
			delete(b.subs, id)
		}
		close(b.done)
	}()

	for {
		select {
		case msg := <-b.msgChan:
			switch m := msg.(type) {
			case *Subscription:
				b.subs[m.id] = m
			case *unsubscribe:
				if sub, ok := b.subs[m.id]; ok {
					close(sub.events)
					delete(b.subs, m.id)
				}
			case Event:
				for _, sub := range b.subs {
					if !sub.wants(m.Domain) {
						continue
					}
					select {
					case sub.events <- m:
					default:
						b.logger.Debug().Int64("subscription", sub.id).Str("kind", string(m.Kind)).Msg("Subscriber buffer full, dropping event")
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe opens a subscription to the given domains, or to all domains when
// none are given. After Run has stopped the returned subscription is closed.
func (b *Broadcaster) Subscribe(domains ...types.Domain) *Subscription {
	s := &Subscription{
		id:      atomic.AddInt64(&b.globalIDs, 1),
		domains: make(map[types.Domain]struct{}, len(domains)),
		events:  make(chan Event, DefaultSubscriptionBuffer),
	}
	for _, d := range domains {
		s.domains[d] = struct{}{}
	}
	if !b.send(s) {
		close(s.events)
	}
	return s
}

// Unsubscribe closes the subscription.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.send(&unsubscribe{id: s.id})
}

func (b *Broadcaster) send(msg interface{}) bool {
	select {
	case b.msgChan <- msg:
		return true
	case <-b.done:
		return false
	}
}

func (b *Broadcaster) publish(e Event) {
	e.Time = b.now().UTC()
	b.send(e)
}

func (b *Broadcaster) OnStarted(domain types.Domain) {
	b.publish(Event{Kind: KindStarted, Domain: domain})
}

func (b *Broadcaster) OnFinished(domain types.Domain) {
	b.publish(Event{Kind: KindFinished, Domain: domain})
}

func (b *Broadcaster) OnError(domain types.Domain, codes []string) {
	b.publish(Event{Kind: KindError, Domain: domain, Codes: codes})
}

func (b *Broadcaster) OnAuthRequired(domain types.Domain) {
	b.publish(Event{Kind: KindAuthRequired, Domain: domain})
}

func (b *Broadcaster) OnSkipped(domain types.Domain, group types.Group, ids []types.RecordID) {
	b.publish(Event{Kind: KindSkipped, Domain: domain, Group: group.Key, RecordIDs: ids})
}
