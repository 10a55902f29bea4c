package events

import (
	"sync"

	"go.uber.org/zap"
)

// auditTopics are the topics worth a structured log line.
var auditTopics = []Topic{
	TopicSyncStarted,
	TopicSyncCompleted,
	TopicSyncFailed,
	TopicConnectionLinked,
	TopicConnectionRemoved,
}

// StartAuditLogger subscribes to every lifecycle topic and writes one
// structured log entry per event. Returns a stop function.
func StartAuditLogger(bus *Bus, log *zap.Logger) func() {
	var stops []func()
	done := make(chan struct{})
	var wg sync.WaitGroup

	for _, topic := range auditTopics {
		ch, unsub := bus.Subscribe(topic, 64)
		stops = append(stops, unsub)
		wg.Add(1)
		go func(topic Topic, ch <-chan any) {
			defer wg.Done()
			for {
				select {
				case payload, ok := <-ch:
					if !ok {
						return
					}
					logEvent(log, topic, payload)
				case <-done:
					return
				}
			}
		}(topic, ch)
	}

	return func() {
		close(done)
		for _, stop := range stops {
			stop()
		}
		wg.Wait()
	}
}

func logEvent(log *zap.Logger, topic Topic, payload any) {
	switch e := payload.(type) {
	case SyncStarted:
		log.Info("sync started",
			zap.String("topic", string(topic)),
			zap.String("journal_id", e.JournalID),
			zap.Bool("forced", e.Forced))
	case SyncCompleted:
		log.Info("sync completed",
			zap.String("topic", string(topic)),
			zap.String("journal_id", e.JournalID),
			zap.Int("created", e.Created),
			zap.Int("updated", e.Updated),
			zap.Int("closed", e.Closed),
			zap.Int("errors", e.Errors))
	case SyncFailed:
		log.Warn("sync failed",
			zap.String("topic", string(topic)),
			zap.String("journal_id", e.JournalID),
			zap.String("reason", e.Reason))
	case ConnectionEvent:
		log.Info("connection changed",
			zap.String("topic", string(topic)),
			zap.String("journal_id", e.JournalID),
			zap.String("provider", e.Provider),
			zap.String("account_id", e.AccountID))
	default:
		log.Debug("event", zap.String("topic", string(topic)))
	}
}
