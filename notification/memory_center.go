package notification

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// MemoryCenter is an in-process Center. Operations are applied by a single
// background goroutine, preserving the store's eventually-consistent
// behavior: an accepted mutation is not visible until it settles.
type MemoryCenter struct {
	lock      sync.Mutex
	pending   map[string]*Request
	delivered map[string]*Request
	ops       chan func()
	done      chan struct{}
	shutdown  bool
}

func NewMemoryCenter() *MemoryCenter {
	m := &MemoryCenter{
		pending:   make(map[string]*Request),
		delivered: make(map[string]*Request),
		ops:       make(chan func(), 100),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(m.done)
		for op := range m.ops {
			op()
		}
	}()
	return m
}

func (m *MemoryCenter) Shutdown() {
	m.lock.Lock()
	if m.shutdown {
		m.lock.Unlock()
		return
	}
	m.shutdown = true
	m.lock.Unlock()
	close(m.ops)
	<-m.done
}

func (m *MemoryCenter) Add(req *Request) error {
	if req.ID == "" {
		return fmt.Errorf("notification: request id must not be empty")
	}
	m.ops <- func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		m.pending[req.ID] = req
	}
	return nil
}

func (m *MemoryCenter) RemovePending(reqIDs []string) {
	m.ops <- func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		for _, id := range reqIDs {
			delete(m.pending, id)
		}
	}
}

func (m *MemoryCenter) RemoveDelivered(reqIDs []string) {
	m.ops <- func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		for _, id := range reqIDs {
			delete(m.delivered, id)
		}
	}
}

func (m *MemoryCenter) PendingIDs() ([]string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return maps.Keys(m.pending), nil
}

func (m *MemoryCenter) DeliveredIDs() ([]string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return maps.Keys(m.delivered), nil
}

// Settle blocks until every previously accepted mutation has been applied.
func (m *MemoryCenter) Settle() {
	applied := make(chan struct{})
	m.ops <- func() {
		close(applied)
	}
	<-applied
}

// Deliver moves a pending request to the delivered set, standing in for the
// store presenting it on its own schedule.
func (m *MemoryCenter) Deliver(reqID string) {
	m.ops <- func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		req, ok := m.pending[reqID]
		if !ok {
			return
		}
		delete(m.pending, reqID)
		m.delivered[reqID] = req
	}
}

// PendingRequest returns the settled pending request for an identifier, or
// nil.
func (m *MemoryCenter) PendingRequest(reqID string) *Request {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pending[reqID]
}
