package replicator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

// connHandle tracks one connection session task
type connHandle struct {
	protocol wire.Protocol
	done     chan struct{}

	mu     sync.Mutex
	status replicator.ConnectionStatus
}

func (h *connHandle) setActive(remote wire.RemoteKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.State = replicator.Active
	h.status.Remote = &remote
}

func (h *connHandle) addOpened() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.Opened++
}

func (h *connHandle) terminate(err error) {
	h.mu.Lock()
	h.status.State = replicator.Terminated
	h.status.EndedAt = time.Now()
	h.status.Err = err
	h.mu.Unlock()

	close(h.done)
}

func (h *connHandle) snapshot() replicator.ConnectionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.status
	if status.Remote != nil {
		remote := *status.Remote
		status.Remote = &remote
	}
	return status
}

// supervisor retains a handle for every connection session ever started,
// so failures stay observable after the task has ended.
type supervisor struct {
	mu    sync.RWMutex
	conns map[replicator.ConnectionID]*connHandle
}

func newSupervisor() *supervisor {
	return &supervisor{
		conns: make(map[replicator.ConnectionID]*connHandle),
	}
}

// track registers a new connection in the AwaitingHandshake state
func (s *supervisor) track(p wire.Protocol, initiator bool) (replicator.ConnectionID, *connHandle) {
	id := replicator.ConnectionID(ulid.Make().String())
	h := &connHandle{
		protocol: p,
		done:     make(chan struct{}),
		status: replicator.ConnectionStatus{
			ID:        id,
			Initiator: initiator,
			State:     replicator.AwaitingHandshake,
			StartedAt: time.Now(),
		},
	}

	s.mu.Lock()
	s.conns[id] = h
	s.mu.Unlock()

	return id, h
}

// statuses returns every connection status ordered by ID, which is creation order
func (s *supervisor) statuses() []replicator.ConnectionStatus {
	s.mu.RLock()
	handles := make([]*connHandle, 0, len(s.conns))
	for _, h := range s.conns {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	statuses := make([]replicator.ConnectionStatus, 0, len(handles))
	for _, h := range handles {
		statuses = append(statuses, h.snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

func (s *supervisor) status(id replicator.ConnectionID) (replicator.ConnectionStatus, bool) {
	s.mu.RLock()
	h, ok := s.conns[id]
	s.mu.RUnlock()

	if !ok {
		return replicator.ConnectionStatus{}, false
	}
	return h.snapshot(), true
}

// wait blocks until every connection started so far has terminated
func (s *supervisor) wait(ctx context.Context) error {
	s.mu.RLock()
	pending := make([]chan struct{}, 0, len(s.conns))
	for _, h := range s.conns {
		pending = append(pending, h.done)
	}
	s.mu.RUnlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// closeAll closes the wire protocol of every live connection
func (s *supervisor) closeAll() {
	s.mu.RLock()
	handles := make([]*connHandle, 0, len(s.conns))
	for _, h := range s.conns {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	for _, h := range handles {
		select {
		case <-h.done:
		default:
			h.protocol.Close()
		}
	}
}

type connCounts struct {
	active     int
	terminated int
	failed     int
}

func (s *supervisor) counts() connCounts {
	var c connCounts
	for _, status := range s.statuses() {
		switch {
		case status.State != replicator.Terminated:
			c.active++
		case status.Err != nil:
			c.failed++
		default:
			c.terminated++
		}
	}
	return c
}
