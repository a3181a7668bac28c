package harvest

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcoot/clanharvest/internal/model"
)

// MessageResult reports a message sync across all sources
type MessageResult struct {
	Inserted int
	Skipped  int
	Errors   int
}

// SyncMessages brings every message source up to date. For each source it
// fills the gap between the cutoff and the earliest stored message, then
// fetches everything from the latest stored one onward. A failing source is
// counted and the next one proceeds.
func (s *Service) SyncMessages(ctx context.Context) (*MessageResult, error) {
	result := &MessageResult{}
	for _, src := range s.sources {
		err := s.syncSource(ctx, src, result)
		if err == nil {
			continue
		}
		if fatal(err) {
			return result, err
		}
		result.Errors++
		s.logger.Error("message sync failed",
			slog.String("source", src.Name()),
			slog.String("error", err.Error()),
		)
	}
	return result, nil
}

func (s *Service) syncSource(ctx context.Context, src MessageSource, result *MessageResult) error {
	name := src.Name()
	earliest, latest, err := s.storage.MessageBounds(ctx, name)
	if err != nil {
		return err
	}
	cutoff := s.cfg.MessageCutoff

	if earliest.IsZero() {
		s.logger.Info("no stored messages, fetching full history",
			slog.String("source", name),
			slog.Time("from", cutoff),
		)
		return s.ingest(ctx, src, cutoff, time.Time{}, result)
	}

	if earliest.After(cutoff.Add(s.cfg.BackfillTolerance)) {
		s.logger.Info("filling message gap",
			slog.String("source", name),
			slog.Time("from", cutoff),
			slog.Time("to", earliest),
		)
		if err := s.fillGap(ctx, src, cutoff, earliest, result); err != nil {
			return err
		}
	}

	// Messages sharing the latest timestamp may have been split across
	// batches; re-reading from latest is safe since inserts skip duplicates.
	return s.ingest(ctx, src, latest, time.Time{}, result)
}

// fillGap reads the whole of [start, end) before storing any of it, so a
// failed read leaves the stored range untouched and the gap is retried on
// the next run. Batches are stored newest-first to keep the stored range
// contiguous if an insert fails partway.
func (s *Service) fillGap(ctx context.Context, src MessageSource, start, end time.Time, result *MessageResult) error {
	var gap []model.Message
	for msg, err := range src.FetchMessages(ctx, start, end) {
		if err != nil {
			s.logger.Warn("gap fetch incomplete, discarding partial gap",
				slog.String("source", src.Name()),
				slog.Int("discarded", len(gap)),
			)
			return err
		}
		if msg.Source == "" {
			msg.Source = src.Name()
		}
		gap = append(gap, msg)
	}

	size := s.cfg.MessageBatchSize
	for hi := len(gap); hi > 0; hi -= size {
		lo := max(hi-size, 0)
		if err := s.store(ctx, src, gap[lo:hi], result); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) store(ctx context.Context, src MessageSource, batch []model.Message, result *MessageResult) error {
	inserted, skipped, err := s.storage.InsertMessages(ctx, batch)
	if err != nil {
		return err
	}
	result.Inserted += inserted
	result.Skipped += skipped
	s.metrics.MessagesInserted.WithLabelValues(src.Name()).Add(float64(inserted))
	return nil
}

// ingest stores messages from [start, end) in batches. Messages already
// read are flushed before a fetch error is returned.
func (s *Service) ingest(ctx context.Context, src MessageSource, start, end time.Time, result *MessageResult) error {
	batch := make([]model.Message, 0, s.cfg.MessageBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store(ctx, src, batch, result); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for msg, err := range src.FetchMessages(ctx, start, end) {
		if err != nil {
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return err
		}
		if msg.Source == "" {
			msg.Source = src.Name()
		}
		batch = append(batch, msg)
		if len(batch) >= s.cfg.MessageBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
