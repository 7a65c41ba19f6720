package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/progress"
)

// ProgressNotice is the message body published for run and region milestones.
type ProgressNotice struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Region     string    `json:"region,omitempty"`
	Records    int64     `json:"records,omitempty"`
	Relevant   int64     `json:"relevant,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Note       string    `json:"note,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PublisherSink forwards lifecycle milestones to a message topic so external
// dashboards can follow runs. Page events are not forwarded.
type PublisherSink struct {
	publisher procurement.Publisher
	topic     string
}

// NewPublisherSink constructs a PublisherSink for topic.
func NewPublisherSink(publisher procurement.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes one notice per lifecycle event and stops at the first
// publish error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage == progress.StagePageDone {
			continue
		}
		notice := ProgressNotice{
			RunID:      evt.RunUUID().String(),
			Stage:      string(evt.Stage),
			Region:     evt.Region,
			Records:    evt.Records,
			Relevant:   evt.Relevant,
			DurationMs: evt.Dur.Milliseconds(),
			Note:       evt.Note,
			Timestamp:  evt.TS.UTC(),
		}
		if _, err := s.publisher.Publish(ctx, s.topic, notice); err != nil {
			return fmt.Errorf("publish progress notice: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
