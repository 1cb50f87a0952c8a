// Package syncsvc converts domain-level sync calls (user settings, command
// history, approved-command uploads) into cloud API calls, transparently
// falling back to the durable queue when the cloud is unreachable. Queued
// operations are replayed by FlushQueue through an op_type dispatch table.
package syncsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/cloud"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/queue"
	"github.com/roboedge-io/roboedge/internal/state"
)

// Queue op_types understood by the dispatch table.
const (
	OpUserSettings   = "user_settings"
	OpCommandHistory = "command_history"
)

// Result is the outcome of a domain-level sync call. Success means the
// upload was delivered to the cloud live; Queued means it was not, and
// was parked in the durable queue under OpID for a later flush. The two
// are mutually exclusive.
type Result struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued,omitempty"`
	OpID    string `json:"op_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UploadSummary is the outcome of an approved-commands batch upload.
type UploadSummary struct {
	Total    int      `json:"total"`
	Uploaded int      `json:"uploaded"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Status describes the cloud link and the queue behind it.
type Status struct {
	CloudAvailable bool        `json:"cloud_available"`
	Queue          queue.Stats `json:"queue"`
}

// settingsOp and historyOp are the queued payload shapes.
type settingsOp struct {
	UserID   string         `json:"user_id"`
	Settings map[string]any `json:"settings"`
}

type historyOp struct {
	UserID  string           `json:"user_id"`
	Records []map[string]any `json:"records"`
}

// Service is the sync facade. Safe for concurrent use; FlushQueue is
// serialized by the queue itself.
type Service struct {
	queue  *queue.Queue
	client *cloud.Client
	bus    *events.Bus
	store  *state.Store
	cache  *resultCache
	logger *zap.Logger

	cloudAvailable atomic.Bool
}

// New creates a Service. cacheDir may be empty to use the platform cache
// directory; retention bounds how many result summaries are kept.
func New(q *queue.Queue, client *cloud.Client, bus *events.Bus, store *state.Store, cacheDir string, retention int, logger *zap.Logger) (*Service, error) {
	cache, err := newResultCache(cacheDir, retention, logger)
	if err != nil {
		return nil, err
	}
	s := &Service{
		queue:  q,
		client: client,
		bus:    bus,
		store:  store,
		cache:  cache,
		logger: logger.Named("sync"),
	}
	s.cloudAvailable.Store(true)
	return s, nil
}

// SyncUserSettings uploads one user's settings, enqueueing on failure.
func (s *Service) SyncUserSettings(ctx context.Context, userID string, settings map[string]any) Result {
	if s.cloudAvailable.Load() {
		if _, err := s.client.UploadSettings(ctx, userID, settings); err == nil {
			return Result{Success: true}
		} else {
			s.logger.Warn("live settings upload failed, queueing",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	return s.enqueue(ctx, OpUserSettings, settingsOp{UserID: userID, Settings: settings}, "")
}

// SyncCommandHistory uploads a history batch for one user. An empty batch
// is a successful no-op.
func (s *Service) SyncCommandHistory(ctx context.Context, userID string, records []map[string]any) Result {
	if len(records) == 0 {
		return Result{Success: true}
	}
	if s.cloudAvailable.Load() {
		if _, err := s.client.UploadHistory(ctx, userID, records); err == nil {
			return Result{Success: true}
		} else {
			s.logger.Warn("live history upload failed, queueing",
				zap.String("user_id", userID),
				zap.Int("records", len(records)),
				zap.Error(err),
			)
		}
	}
	return s.enqueue(ctx, OpCommandHistory, historyOp{UserID: userID, Records: records}, "")
}

// SyncApprovedCommands uploads a batch of approved commands one by one,
// collecting per-item failures instead of aborting the batch. The summary
// is written to the result cache for later inspection.
func (s *Service) SyncApprovedCommands(ctx context.Context, commands []cloud.SharedCommand) UploadSummary {
	summary := UploadSummary{Total: len(commands)}
	for _, cmd := range commands {
		if _, err := s.client.UploadSharedCommand(ctx, cmd); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", cmd.OriginalCommandID, err))
			continue
		}
		summary.Uploaded++
	}

	s.logger.Info("approved commands sync finished",
		zap.Int("total", summary.Total),
		zap.Int("uploaded", summary.Uploaded),
		zap.Int("failed", summary.Failed),
	)
	if err := s.cache.write(s.client.EdgeID(), summary); err != nil {
		s.logger.Warn("writing sync result cache failed", zap.Error(err))
	}
	return summary
}

// FlushQueue drains the durable queue through the op_type dispatch table.
// An unknown op_type counts as a failed delivery and retries like any
// other failure until the queue parks it.
func (s *Service) FlushQueue(ctx context.Context) (queue.FlushResult, error) {
	return s.queue.Flush(ctx, s.dispatch)
}

func (s *Service) dispatch(ctx context.Context, opType string, payload json.RawMessage, traceID string) error {
	switch opType {
	case OpUserSettings:
		var op settingsOp
		if err := json.Unmarshal(payload, &op); err != nil {
			return fmt.Errorf("syncsvc: decoding %s payload: %w", opType, err)
		}
		_, err := s.client.UploadSettings(ctx, op.UserID, op.Settings)
		return err
	case OpCommandHistory:
		var op historyOp
		if err := json.Unmarshal(payload, &op); err != nil {
			return fmt.Errorf("syncsvc: decoding %s payload: %w", opType, err)
		}
		_, err := s.client.UploadHistory(ctx, op.UserID, op.Records)
		return err
	default:
		s.logger.Warn("unknown op_type in sync queue",
			zap.String("op_type", opType),
			zap.String("trace_id", traceID),
		)
		return fmt.Errorf("syncsvc: unknown op_type %q", opType)
	}
}

// SetCloudAvailable flips the advisory cloud flag. A transition publishes
// a service event and updates shared state; coming back online is the
// caller's cue to flush.
func (s *Service) SetCloudAvailable(available bool) {
	prev := s.cloudAvailable.Swap(available)
	s.queue.SetOnline(available)
	if prev == available {
		return
	}

	sev := events.SeverityInfo
	msg := "cloud connection restored"
	if !available {
		sev = events.SeverityWarn
		msg = "cloud connection lost"
	}
	s.bus.Publish("service.cloud_changed", events.New("", sev, events.CategoryService, msg, map[string]any{
		"cloud_available": available,
	}))
	if s.store != nil {
		s.store.Set("service:cloud", available, "")
	}
}

// CheckCloud probes the cloud and updates availability. When the cloud
// just came back, the queue backlog is flushed.
func (s *Service) CheckCloud(ctx context.Context) {
	wasAvailable := s.cloudAvailable.Load()
	err := s.client.Probe(ctx)
	s.SetCloudAvailable(err == nil)

	if err == nil && !wasAvailable {
		res, ferr := s.FlushQueue(ctx)
		if ferr != nil {
			s.logger.Warn("reconnect flush failed", zap.Error(ferr))
			return
		}
		s.logger.Info("reconnect flush finished",
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("remaining", res.Remaining),
		)
	}
}

// CloudStatus reports the cloud link and queue state.
func (s *Service) CloudStatus(ctx context.Context) (Status, error) {
	stats, err := s.queue.Statistics(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		CloudAvailable: s.cloudAvailable.Load(),
		Queue:          stats,
	}, nil
}

func (s *Service) enqueue(ctx context.Context, opType string, payload any, traceID string) Result {
	opID, err := s.queue.Enqueue(ctx, opType, payload, traceID)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Queued: true, OpID: opID}
}
