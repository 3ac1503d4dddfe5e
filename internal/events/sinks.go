// Package events fans engine events out to the log, the signal bus, the
// audit table and operator notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Fanout delivers each event to every sink in order.
type Fanout []domain.EventSink

func (f Fanout) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range f {
		s.Emit(ctx, ev)
	}
}

// LogSink writes every event as a structured log line. Failures are logged
// at warn level, everything else at info.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

func (s *LogSink) Emit(ctx context.Context, ev domain.Event) {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		slog.Time("at", ev.At),
	}
	if ev.OpportunityID != "" {
		attrs = append(attrs, slog.String("opp_id", ev.OpportunityID))
	}
	if ev.AttemptID != "" {
		attrs = append(attrs, slog.String("attempt_id", ev.AttemptID))
	}
	if ev.Kind != "" {
		attrs = append(attrs, slog.String("kind", string(ev.Kind)))
	}
	if ev.Reason != domain.ReasonNone {
		attrs = append(attrs, slog.String("reason", string(ev.Reason)))
	}
	for _, k := range sortedKeys(ev.Detail) {
		attrs = append(attrs, slog.Any(k, ev.Detail[k]))
	}
	level := slog.LevelInfo
	if ev.Type == domain.EventAttemptFailed || ev.Type == domain.EventAttemptUnwound {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "engine event", attrs...)
}

// BusSink publishes events as JSON on a pub/sub channel and appends them to
// a durable stream. Either target may be empty.
type BusSink struct {
	bus     domain.SignalBus
	channel string
	stream  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewBusSink(bus domain.SignalBus, channel, stream string, logger *slog.Logger) *BusSink {
	return &BusSink{
		bus:     bus,
		channel: channel,
		stream:  stream,
		timeout: 2 * time.Second,
		logger:  logger.With(slog.String("component", "event_bus_sink")),
	}
}

func (s *BusSink) Emit(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if s.channel != "" {
		if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
		}
	}
	if s.stream != "" {
		if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
			s.logger.WarnContext(ctx, "append event failed", slog.String("error", err.Error()))
		}
	}
}

// AuditSink records rejections and attempt outcomes in the audit log.
// Detected opportunities and individual fills are already persisted
// elsewhere and are skipped.
type AuditSink struct {
	store   domain.AuditStore
	timeout time.Duration
	logger  *slog.Logger
}

func NewAuditSink(store domain.AuditStore, logger *slog.Logger) *AuditSink {
	return &AuditSink{
		store:   store,
		timeout: 3 * time.Second,
		logger:  logger.With(slog.String("component", "event_audit_sink")),
	}
}

func (s *AuditSink) Emit(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventOpportunityDetected, domain.EventLegFilled:
		return
	}
	detail := make(map[string]any, len(ev.Detail)+4)
	for k, v := range ev.Detail {
		detail[k] = v
	}
	detail["opportunity_id"] = ev.OpportunityID
	if ev.AttemptID != "" {
		detail["attempt_id"] = ev.AttemptID
	}
	if ev.Kind != "" {
		detail["kind"] = string(ev.Kind)
	}
	if ev.Reason != domain.ReasonNone {
		detail["reason"] = string(ev.Reason)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.Log(ctx, string(ev.Type), detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Notifier is the subset of notify.Notifier used here.
type Notifier interface {
	Wants(event string) bool
	Notify(ctx context.Context, event, title, message string) error
}

// NotifySink turns events into operator alerts. The notifier's own filter
// decides which event types go out.
type NotifySink struct {
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

func NewNotifySink(n Notifier, logger *slog.Logger) *NotifySink {
	return &NotifySink{
		notifier: n,
		timeout:  10 * time.Second,
		logger:   logger.With(slog.String("component", "event_notify_sink")),
	}
}

func (s *NotifySink) Emit(ctx context.Context, ev domain.Event) {
	if !s.notifier.Wants(string(ev.Type)) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, string(ev.Type), Title(ev), Message(ev)); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

// Title is a short human label for ev.
func Title(ev domain.Event) string {
	t := strings.ReplaceAll(string(ev.Type), "_", " ")
	if ev.Kind != "" {
		t = string(ev.Kind) + " " + t
	}
	return t
}

// Message renders ev's identifiers, reason and detail one per line.
func Message(ev domain.Event) string {
	var b strings.Builder
	if ev.OpportunityID != "" {
		fmt.Fprintf(&b, "opportunity: %s\n", ev.OpportunityID)
	}
	if ev.AttemptID != "" {
		fmt.Fprintf(&b, "attempt: %s\n", ev.AttemptID)
	}
	if ev.Reason != domain.ReasonNone {
		fmt.Fprintf(&b, "reason: %s\n", ev.Reason)
	}
	for _, k := range sortedKeys(ev.Detail) {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Detail[k])
	}
	fmt.Fprintf(&b, "at: %s", ev.At.UTC().Format(time.RFC3339))
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
