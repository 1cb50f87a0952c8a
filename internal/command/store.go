// Package command implements the command handler pipeline and the context
// store backing it. The store remembers every command the handler has seen
// so duplicate requests return the cached response and status queries keep
// answering after the handler has replied.
package command

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/wire"
)

// DefaultMaxEntries bounds the context store. When full, new contexts are
// rejected rather than evicting live commands.
const DefaultMaxEntries = 10000

// DefaultRetention is how long a terminal command's context survives
// before the sweep removes it.
const DefaultRetention = 30 * time.Minute

// StatusInfo is the answer to a command status query.
type StatusInfo struct {
	CommandID string               `json:"command_id"`
	Status    wire.CommandStatus   `json:"status"`
	Result    map[string]any       `json:"result,omitempty"`
	Error     *wire.Error          `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// ctxEntry is one tracked command. Guarded by the store mutex.
type ctxEntry struct {
	traceID   string
	commandID string
	request   wire.CommandRequest
	status    wire.CommandStatus
	response  *wire.CommandResponse
	cancelled bool
	createdAt time.Time
	updatedAt time.Time
}

// Store is the in-process context store, indexed both by trace ID and by
// command ID. Bounded; terminal entries age out via Sweep.
type Store struct {
	mu         sync.RWMutex
	byTrace    map[string]*ctxEntry
	byCommand  map[string]*ctxEntry
	maxEntries int
	retention  time.Duration
	logger     *zap.Logger
}

// NewStore creates an empty Store. maxEntries <= 0 and retention <= 0
// select the defaults.
func NewStore(maxEntries int, retention time.Duration, logger *zap.Logger) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		byTrace:    make(map[string]*ctxEntry),
		byCommand:  make(map[string]*ctxEntry),
		maxEntries: maxEntries,
		retention:  retention,
		logger:     logger.Named("cmdstore"),
	}
}

// CreateContext records a new command under its trace and command IDs and
// caches the accepted response. Returns false when the store is full.
func (s *Store) CreateContext(req wire.CommandRequest, accepted *wire.CommandResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byCommand) >= s.maxEntries {
		s.logger.Warn("context store full, rejecting command",
			zap.String("command_id", req.Command.ID),
			zap.Int("max_entries", s.maxEntries),
		)
		return false
	}

	now := time.Now().UTC()
	e := &ctxEntry{
		traceID:   req.TraceID,
		commandID: req.Command.ID,
		request:   req,
		status:    wire.StatusAccepted,
		response:  accepted,
		createdAt: now,
		updatedAt: now,
	}
	s.byTrace[req.TraceID] = e
	s.byCommand[req.Command.ID] = e
	return true
}

// GetContext returns the original request recorded under traceID.
func (s *Store) GetContext(traceID string) (wire.CommandRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byTrace[traceID]
	if !ok {
		return wire.CommandRequest{}, false
	}
	return e.request, true
}

// CommandExists reports whether commandID has been seen.
func (s *Store) CommandExists(commandID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byCommand[commandID]
	return ok
}

// CachedResponse returns the current cached response for commandID: the
// accepted response while the command runs, the terminal response after.
func (s *Store) CachedResponse(commandID string) (*wire.CommandResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byCommand[commandID]
	if !ok || e.response == nil {
		return nil, false
	}
	return e.response, true
}

// SetStatus moves commandID to status without touching the cached
// response. Used for the accepted → running transition.
func (s *Store) SetStatus(commandID string, status wire.CommandStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byCommand[commandID]; ok {
		e.status = status
		e.updatedAt = time.Now().UTC()
	}
}

// UpdateResult stores the terminal response for commandID. When the
// command was cancelled while running, a success is discarded and the
// cancelled terminal state wins; the stored response is returned so the
// caller can emit the matching event.
func (s *Store) UpdateResult(commandID string, resp *wire.CommandResponse) *wire.CommandResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byCommand[commandID]
	if !ok {
		return resp
	}
	if e.cancelled && resp.Command.Status == wire.StatusSucceeded {
		cancelled := wire.NewResponse(e.traceID, commandID, wire.StatusCancelled)
		e.status = wire.StatusCancelled
		e.response = cancelled
		e.updatedAt = time.Now().UTC()
		return cancelled
	}
	e.status = resp.Command.Status
	e.response = resp
	e.updatedAt = time.Now().UTC()
	return resp
}

// Cancel flips the best-effort cancellation flag for a running command.
// Returns false when the command is unknown or already terminal.
func (s *Store) Cancel(commandID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byCommand[commandID]
	if !ok || e.status.Terminal() {
		return false
	}
	e.cancelled = true
	e.updatedAt = time.Now().UTC()
	return true
}

// IsCancelled reports the cancellation flag for commandID.
func (s *Store) IsCancelled(commandID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byCommand[commandID]
	return ok && e.cancelled
}

// CommandStatus answers a status query for commandID.
func (s *Store) CommandStatus(commandID string) (*StatusInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byCommand[commandID]
	if !ok {
		return nil, false
	}
	info := &StatusInfo{
		CommandID: commandID,
		Status:    e.status,
		Timestamp: e.updatedAt,
	}
	if e.response != nil {
		info.Result = e.response.Result
		info.Error = e.response.Error
	}
	return info, true
}

// Len returns the number of tracked commands.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCommand)
}

// Sweep removes terminal entries older than the retention window and
// returns how many were removed. Wired as a periodic background job.
func (s *Store) Sweep() int {
	cutoff := time.Now().UTC().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.byCommand {
		if e.status.Terminal() && e.updatedAt.Before(cutoff) {
			delete(s.byCommand, id)
			delete(s.byTrace, e.traceID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired command contexts", zap.Int("removed", removed))
	}
	return removed
}
