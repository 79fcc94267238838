package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	blobcore "garagecore/internal/blob/core"
	"garagecore/pkg/domain"
)

// LogDeadLetterSink reports dead letters on the structured log.
type LogDeadLetterSink struct {
	logger *zap.Logger
}

// NewLogDeadLetterSink returns a sink writing at error level.
func NewLogDeadLetterSink(logger *zap.Logger) *LogDeadLetterSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDeadLetterSink{logger: logger}
}

func (s *LogDeadLetterSink) DeadLetter(_ context.Context, letter DeadLetter) error {
	s.logger.Error("event delivery dead-lettered",
		zap.String("handler", letter.Handler),
		zap.String("event_id", letter.EventID),
		zap.String("event_type", string(letter.EventType)),
		zap.String("aggregate_id", letter.AggregateID),
		zap.String("idempotency_key", letter.IdempotencyKey),
		zap.Int("attempts", letter.Attempts),
		zap.String("last_error", letter.LastError))
	return nil
}

// ArchiveDeadLetterSink writes each dead letter as a JSON document under
// "<prefix>/<handler>/<event id>-<unix nanos>.json".
type ArchiveDeadLetterSink struct {
	archive blobcore.Archive
	prefix  string
}

// NewArchiveDeadLetterSink returns a sink writing under prefix ("dead-letters" when empty).
func NewArchiveDeadLetterSink(archive blobcore.Archive, prefix string) *ArchiveDeadLetterSink {
	if prefix == "" {
		prefix = "dead-letters"
	}
	return &ArchiveDeadLetterSink{archive: archive, prefix: strings.TrimSuffix(prefix, "/")}
}

// Key returns the archive key for a letter.
func (s *ArchiveDeadLetterSink) Key(letter DeadLetter) string {
	return s.deliveryPrefix(letter.Handler, letter.EventID) + strconv.FormatInt(letter.At.UnixNano(), 10) + ".json"
}

func (s *ArchiveDeadLetterSink) handlerPrefix(handler string) string {
	if handler == "" {
		return s.prefix + "/"
	}
	return s.prefix + "/" + handler + "/"
}

func (s *ArchiveDeadLetterSink) deliveryPrefix(handler, eventID string) string {
	return s.handlerPrefix(handler) + eventID + "-"
}

func (s *ArchiveDeadLetterSink) DeadLetter(ctx context.Context, letter DeadLetter) error {
	doc, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = s.archive.Write(ctx, s.Key(letter), doc, map[string]string{
		"handler":    letter.Handler,
		"event-type": string(letter.EventType),
	})
	if err != nil {
		return fmt.Errorf("archive dead letter %s: %w", letter.EventID, err)
	}
	return nil
}

// Archived reads back archived letters for handler, or for every handler when
// handler is empty, oldest key first.
func (s *ArchiveDeadLetterSink) Archived(ctx context.Context, handler string) ([]DeadLetter, error) {
	recs, err := s.archive.Scan(ctx, s.handlerPrefix(handler))
	if err != nil {
		return nil, fmt.Errorf("scan dead-letter archive: %w", err)
	}
	letters := make([]DeadLetter, 0, len(recs))
	for _, rec := range recs {
		_, doc, err := s.archive.Read(ctx, rec.Key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rec.Key, err)
		}
		var letter DeadLetter
		if err := json.Unmarshal(doc, &letter); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Forget removes every archived copy of one delivery, typically after it has
// been redriven. It returns how many documents were removed.
func (s *ArchiveDeadLetterSink) Forget(ctx context.Context, eventID, handler string) (int, error) {
	if eventID == "" || handler == "" {
		return 0, domain.ValidationError{Field: "delivery", Reason: "event id and handler are required"}
	}
	recs, err := s.archive.Scan(ctx, s.deliveryPrefix(handler, eventID))
	if err != nil {
		return 0, fmt.Errorf("scan dead-letter archive: %w", err)
	}
	removed := 0
	for _, rec := range recs {
		ok, err := s.archive.Remove(ctx, rec.Key)
		if err != nil {
			return removed, fmt.Errorf("remove %s: %w", rec.Key, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
