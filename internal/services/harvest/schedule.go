package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Schedule runs a harvest on every tick of spec, a standard five-field cron
// expression. Ticks that arrive while a run is in progress are skipped.
// The caller starts and stops the returned scheduler.
func (s *Service) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))

	var running sync.Mutex
	_, err := c.AddFunc(spec, func() {
		if !running.TryLock() {
			s.logger.Warn("previous harvest still running, skipping tick")
			return
		}
		defer running.Unlock()
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("scheduled harvest failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return c, nil
}

// cronLogger adapts slog to cron's logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
