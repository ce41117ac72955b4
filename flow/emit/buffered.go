package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities
// for history analysis. Events are organized by workflow ID for
// efficient retrieval and filtering.
//
// Use cases:
//   - Testing and validation
//   - Development and debugging
//   - Post-execution analysis
//
// Warning: This emitter stores all events in memory. For production
// deployments with high event volume, prefer LogEmitter or
// OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events
}

// HistoryFilter specifies criteria for filtering captured events.
//
// All filter fields are optional. When multiple fields are set, they
// are combined with AND logic.
type HistoryFilter struct {
	Source string // Filter by emitting component (empty = no filter)
	Msg    string // Filter by message (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter. Safe for
// concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// GetHistory retrieves all events for a workflow in emission order.
// Returns an empty slice if none exist. The returned slice is a copy.
func (b *BufferedEmitter) GetHistory(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves events for a workflow matching the
// filter, in emission order. Returns an empty slice if none match.
func (b *BufferedEmitter) GetHistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[workflowID] {
		if filter.Source != "" && event.Source != filter.Source {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events. If workflowID is non-empty, clears
// only that workflow's events; otherwise clears everything.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, workflowID)
	}
}
