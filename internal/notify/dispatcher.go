package notify

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/metrics"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/store"
)

// SkipCooldown is the skip reason when every accepting target was already
// disclosed to the recipient inside the cooldown window.
const SkipCooldown = "cooldown"

// Config tunes the dispatcher.
type Config struct {
	Cooldown time.Duration
}

// Dispatcher evaluates a group's verdicts against the ledger and sends messages.
type Dispatcher struct {
	cfg      Config
	ledger   store.Ledger
	notifier monitor.Notifier
	clock    monitor.Clock
	ids      monitor.IDGenerator
	logger   *zap.Logger
	locks    *keyedLock
}

// New constructs a Dispatcher.
func New(
	cfg Config,
	ledger store.Ledger,
	notifier monitor.Notifier,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		ledger:   ledger,
		notifier: notifier,
		clock:    clock,
		ids:      ids,
		logger:   logger.Named("notify"),
		locks:    newKeyedLock(),
	}
}

// MaybeNotify sends each recipient of the group the accepting targets it has
// not been told about within the cooldown window. verdicts is keyed by target
// ID and holds the records persisted this cycle. One attempt is returned per
// recipient whenever at least one target is accepting.
func (d *Dispatcher) MaybeNotify(
	ctx context.Context,
	group monitor.Group,
	verdicts map[string]monitor.Assessment,
) []monitor.NotificationAttempt {
	accepting := acceptingTargets(verdicts)
	if len(accepting) == 0 {
		return nil
	}
	key := group.Key()
	attempts := make([]monitor.NotificationAttempt, 0, len(group.Recipients))
	for _, recipient := range group.Recipients {
		if ctx.Err() != nil {
			attempts = append(attempts, monitor.NotificationAttempt{
				Recipient: recipient, GroupKey: key, Err: ctx.Err(),
			})
			continue
		}
		attempts = append(attempts, d.notifyRecipient(ctx, group, recipient, accepting))
	}
	return attempts
}

func (d *Dispatcher) notifyRecipient(
	ctx context.Context,
	group monitor.Group,
	recipient string,
	accepting []monitor.Assessment,
) monitor.NotificationAttempt {
	key := group.Key()
	attempt := monitor.NotificationAttempt{Recipient: recipient, GroupKey: key}
	logger := d.logger.With(zap.String("recipient", recipient), zap.String("group_key", key))

	release := d.locks.Lock(recipient)
	defer release()

	now := d.clock.Now().UTC()
	entries, err := d.ledger.RecentEntries(ctx, recipient, key, now.Add(-d.cfg.Cooldown))
	if err != nil {
		attempt.Err = fmt.Errorf("read ledger: %w", err)
		metrics.ObserveNotification("error")
		logger.Warn("ledger read failed; not notifying", zap.Error(err))
		return attempt
	}

	fresh := undisclosed(accepting, entries)
	if len(fresh) == 0 {
		return d.skipCooldown(attempt, logger)
	}

	msgID, err := d.ids.NewID()
	if err != nil {
		attempt.Err = fmt.Errorf("generate message id: %w", err)
		metrics.ObserveNotification("error")
		return attempt
	}
	claimed, err := d.ledger.ClaimTargets(ctx, recipient, key, msgID, targetIDs(fresh), now, now.Add(-d.cfg.Cooldown))
	if err != nil {
		attempt.Err = fmt.Errorf("claim targets: %w", err)
		metrics.ObserveNotification("error")
		logger.Warn("ledger claim failed; not notifying", zap.Error(err))
		return attempt
	}
	fresh = onlyClaimed(fresh, claimed)
	if len(fresh) == 0 {
		return d.skipCooldown(attempt, logger)
	}

	msg := d.buildMessage(msgID, group, recipient, fresh, now)
	attempt.TargetIDs = msg.TargetIDs()

	if err := d.notifier.Notify(ctx, msg); err != nil {
		attempt.Err = &monitor.NotifyError{Recipient: recipient, Err: err}
		metrics.ObserveNotification("error")
		logger.Warn("notifier failed", zap.Error(err))
		if relErr := d.ledger.ReleaseClaims(context.WithoutCancel(ctx), recipient, key, msgID); relErr != nil {
			logger.Error("release claims failed; targets stay reserved until cooldown", zap.Error(relErr))
		}
		return attempt
	}
	attempt.Sent = true
	metrics.ObserveNotification("sent")

	entry := monitor.LedgerEntry{
		Recipient:          recipient,
		WindowKey:          key,
		DisclosedTargetIDs: attempt.TargetIDs,
		SentAt:             now,
	}
	if err := d.ledger.AppendEntry(ctx, entry); err != nil {
		attempt.Err = err
		logger.Error("notification sent but ledger append failed", zap.Error(err))
		return attempt
	}
	logger.Info("notification sent", zap.Strings("target_ids", attempt.TargetIDs))
	return attempt
}

func (d *Dispatcher) skipCooldown(attempt monitor.NotificationAttempt, logger *zap.Logger) monitor.NotificationAttempt {
	attempt.Skipped = true
	attempt.SkipReason = SkipCooldown
	metrics.ObserveNotification(SkipCooldown)
	logger.Debug("all accepting targets already disclosed inside cooldown")
	return attempt
}

func (d *Dispatcher) buildMessage(
	id string,
	group monitor.Group,
	recipient string,
	targets []monitor.Assessment,
	now time.Time,
) monitor.Message {
	msg := monitor.Message{
		ID:           id,
		Recipient:    recipient,
		GroupKey:     group.Key(),
		LocationHint: monitor.NormalizeLocation(group.LocationHint),
		Radius:       group.Radius,
		Targets:      make([]monitor.MessageTarget, 0, len(targets)),
		CreatedAt:    now,
	}
	for _, a := range targets {
		msg.Targets = append(msg.Targets, monitor.MessageTarget{
			ID:          a.Target.ID,
			DisplayName: a.Target.DisplayName,
			URL:         a.Target.CanonicalURL,
			Evidence:    a.Record.Evidence,
			Partial:     a.Record.Partial,
		})
	}
	return msg
}

func acceptingTargets(verdicts map[string]monitor.Assessment) []monitor.Assessment {
	out := make([]monitor.Assessment, 0, len(verdicts))
	for id, a := range verdicts {
		if !a.Record.Accepting() {
			continue
		}
		if a.Target.ID == "" {
			a.Target.ID = id
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.ID < out[j].Target.ID })
	return out
}

func targetIDs(items []monitor.Assessment) []string {
	out := make([]string, 0, len(items))
	for _, a := range items {
		out = append(out, a.Target.ID)
	}
	return out
}

func onlyClaimed(items []monitor.Assessment, claimed []string) []monitor.Assessment {
	out := make([]monitor.Assessment, 0, len(claimed))
	for _, a := range items {
		if slices.Contains(claimed, a.Target.ID) {
			out = append(out, a)
		}
	}
	return out
}

func undisclosed(accepting []monitor.Assessment, entries []monitor.LedgerEntry) []monitor.Assessment {
	if len(entries) == 0 {
		return accepting
	}
	disclosed := make(map[string]struct{})
	for _, e := range entries {
		for _, id := range e.DisclosedTargetIDs {
			disclosed[id] = struct{}{}
		}
	}
	out := make([]monitor.Assessment, 0, len(accepting))
	for _, a := range accepting {
		if _, seen := disclosed[a.Target.ID]; !seen {
			out = append(out, a)
		}
	}
	return out
}
