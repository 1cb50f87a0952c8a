package syncsvc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
)

// Recorder listens for terminal command events on the bus and batches
// them into command history records, grouped by the acting user. A
// periodic Flush pushes the batches through SyncCommandHistory.
type Recorder struct {
	svc    *Service
	sub    *events.Subscription
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string][]map[string]any
}

// NewRecorder subscribes to command events on bus. Call Run to start
// draining.
func NewRecorder(svc *Service, bus *events.Bus, logger *zap.Logger) *Recorder {
	return &Recorder{
		svc:     svc,
		sub:     bus.Subscribe("command.*"),
		logger:  logger.Named("recorder"),
		pending: make(map[string][]map[string]any),
	}
}

// Run drains command events until ctx is cancelled or the bus closes.
// Only terminal transitions become history records.
func (r *Recorder) Run(ctx context.Context) {
	defer r.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev events.Event) {
	status, _ := ev.Context["status"].(string)
	switch status {
	case "succeeded", "failed", "cancelled":
	default:
		return
	}
	actorID, _ := ev.Context["actor_id"].(string)
	if actorID == "" {
		return
	}

	rec := map[string]any{
		"trace_id":     ev.TraceID,
		"command_id":   ev.Context["command_id"],
		"command_type": ev.Context["command_type"],
		"robot_id":     ev.Context["robot_id"],
		"status":       status,
		"finished_at":  ev.Timestamp,
	}
	if code, ok := ev.Context["error_code"]; ok {
		rec["error_code"] = code
	}

	r.mu.Lock()
	r.pending[actorID] = append(r.pending[actorID], rec)
	r.mu.Unlock()
}

// Pending returns how many records are waiting to be flushed.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, recs := range r.pending {
		n += len(recs)
	}
	return n
}

// Flush pushes every batch through the sync service. A batch that lands
// in the durable queue is handed off, the queue owns its retries. Only a
// batch that is neither delivered nor queueable is put back for the next
// flush.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	batches := r.pending
	r.pending = make(map[string][]map[string]any)
	r.mu.Unlock()

	for userID, records := range batches {
		res := r.svc.SyncCommandHistory(ctx, userID, records)
		if !res.Success && !res.Queued {
			r.logger.Warn("history flush failed, retaining batch",
				zap.String("user_id", userID),
				zap.Int("records", len(records)),
				zap.String("error", res.Error),
			)
			r.mu.Lock()
			r.pending[userID] = append(records, r.pending[userID]...)
			r.mu.Unlock()
		}
	}
}
