package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/metrics"
)

// Sender is one delivery channel. recipient is channel-specific: an email
// address for email, the webhook URL for discord.
type Sender interface {
	Send(ctx context.Context, recipient, title, body string) error
}

// Dispatcher fans one allowed event out across channels and recipients.
type Dispatcher struct {
	decider *Decider
	history *History
	senders map[Channel]Sender
	logger  zerolog.Logger
}

func NewDispatcher(decider *Decider, history *History, senders map[Channel]Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		decider: decider,
		history: history,
		senders: senders,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// delivery is one (recipient, channel) attempt to make.
type delivery struct {
	channel   Channel
	recipient string
}

// Dispatch evaluates the event against the network's policy and, when
// allowed, attempts every configured (recipient, channel) pair in parallel.
// Adapter failures are captured in the returned records, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, prefs *NetworkPreferences, silenced func(string) bool, event *NetworkEvent, force bool) []NotificationRecord {
	allowed, reason := d.decider.ShouldNotify(prefs, silenced, event, force)
	if !allowed {
		metrics.NotificationSuppressed(reason)
		d.logger.Debug().
			Int64("network_id", prefs.NetworkID).
			Str("event_type", event.EventType).
			Str("reason", reason).
			Msg("Notification suppressed")
		return nil
	}

	var deliveries []delivery
	if prefs.EmailEnabled {
		for _, addr := range prefs.EmailRecipients {
			deliveries = append(deliveries, delivery{channel: ChannelEmail, recipient: addr})
		}
	}
	if prefs.DiscordEnabled && prefs.DiscordWebhookURL != "" {
		deliveries = append(deliveries, delivery{channel: ChannelDiscord, recipient: prefs.DiscordWebhookURL})
	}
	if len(deliveries) == 0 {
		return nil
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	priority := EffectivePriority(prefs, event)
	networkID := prefs.NetworkID
	records := make([]NotificationRecord, len(deliveries))

	var wg sync.WaitGroup
	for i, del := range deliveries {
		wg.Add(1)
		go func(i int, del delivery) {
			defer wg.Done()
			records[i] = d.attempt(ctx, del, event, priority, &networkID)
		}(i, del)
	}
	wg.Wait()

	// The send counts against the rate window whether or not every
	// channel succeeded.
	d.decider.RecordSend(prefs.NetworkID)
	for _, rec := range records {
		metrics.NotificationDispatched(string(rec.Channel), rec.Success)
		d.history.Append(rec)
	}

	return records
}

// attempt calls one channel adapter, converting panics and errors into a
// failed record.
func (d *Dispatcher) attempt(ctx context.Context, del delivery, event *NetworkEvent, priority Priority, networkID *int64) (rec NotificationRecord) {
	rec = NotificationRecord{
		ID:        uuid.NewString(),
		EventID:   event.EventID,
		EventType: event.EventType,
		Title:     event.Title,
		Message:   event.Message,
		Channel:   del.channel,
		Recipient: del.recipient,
		Priority:  priority,
		NetworkID: networkID,
		SentAt:    time.Now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			rec.Success = false
			rec.Error = fmt.Sprintf("channel panic: %v", r)
			d.logger.Error().
				Str("channel", string(del.channel)).
				Interface("panic", r).
				Msg("Channel adapter panicked")
		}
	}()

	sender, ok := d.senders[del.channel]
	if !ok {
		rec.Error = fmt.Sprintf("no sender for channel %s", del.channel)
		return rec
	}

	if err := sender.Send(ctx, del.recipient, event.Title, event.Message); err != nil {
		rec.Error = err.Error()
		d.logger.Warn().
			Err(err).
			Str("channel", string(del.channel)).
			Str("recipient", del.recipient).
			Msg("Notification delivery failed")
		return rec
	}

	rec.Success = true
	return rec
}
