package ledger

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend. It keeps every committed event in
// append order and serves queryEvents with offset bookmarks.
type MemoryBackend struct {
	mu     sync.RWMutex
	events []StoredEvent
	byID   map[string]int
	agents map[string]string
	block  uint64
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:   make(map[string]int),
		agents: make(map[string]string),
	}
}

// Invoke implements Backend.
func (m *MemoryBackend) Invoke(ctx context.Context, channel, chaincode, function string, args []string) (TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return TxReceipt{}, err
	}
	switch function {
	case FnCreateEvent:
		ev, err := ParseCreateEventArgs(args)
		if err != nil {
			return TxReceipt{}, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx, ok := m.byID[ev.ID]; ok {
			existing := m.events[idx]
			return TxReceipt{TxID: existing.TxID, CommittedAt: existing.Ts}, nil
		}
		m.block++
		ev.TxID = NewUUID()
		m.byID[ev.ID] = len(m.events)
		m.events = append(m.events, ev)
		return TxReceipt{TxID: ev.TxID, BlockNumber: m.block, CommittedAt: time.Now().UTC()}, nil
	case FnRegisterVehicle:
		id, kind, _, err := ParseRegisterArgs(args)
		if err != nil {
			return TxReceipt{}, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.block++
		m.agents[id] = kind
		return TxReceipt{TxID: NewUUID(), BlockNumber: m.block, CommittedAt: time.Now().UTC()}, nil
	default:
		return TxReceipt{}, rejectedf("unknown function %q", function)
	}
}

// Query implements Backend.
func (m *MemoryBackend) Query(ctx context.Context, channel, chaincode, function string, args []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if function != FnQueryEvents {
		return nil, rejectedf("unknown query %q", function)
	}
	f, bookmark, size, err := ParseQueryEventsArgs(args)
	if err != nil {
		return nil, err
	}
	start := 0
	if bookmark != "" {
		start, err = strconv.Atoi(bookmark)
		if err != nil || start < 0 {
			return nil, rejectedf("invalid bookmark %q", bookmark)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	page := QueryPage{Records: []StoredEvent{}}
	i := start
	for ; i < len(m.events) && len(page.Records) < size; i++ {
		if f.Match(m.events[i]) {
			page.Records = append(page.Records, m.events[i])
		}
	}
	if i < len(m.events) {
		page.Bookmark = strconv.Itoa(i)
	}
	return marshalPage(page)
}

// Len returns the number of committed events.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// AgentKind returns the registered kind for id.
func (m *MemoryBackend) AgentKind(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.agents[id]
	return k, ok
}

func marshalPage(page QueryPage) ([]byte, error) {
	return json.Marshal(page)
}
