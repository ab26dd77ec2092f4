package runtime

import (
	"sort"
)

// Status is the snapshot served on /api/status.
type Status struct {
	Rank      int           `json:"rank"`
	Cycle     uint64        `json:"cycle"`
	LiveNodes int           `json:"live_nodes"`
	Edges     []EdgeStatus  `json:"edges"`
	Locks     []LockStatus  `json:"range_locks"`
	Resource  ResourceUsage `json:"resource"`
}

// EdgeStatus describes one open edge.
type EdgeStatus struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Peer    int    `json:"peer"`
	Tag     int    `json:"tag"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// LockStatus describes one range lock built by the service.
type LockStatus struct {
	Name       string  `json:"name"`
	Available  int64   `json:"available"`
	Drops      float64 `json:"drops"`
	Generation uint64  `json:"generation"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// Status returns a snapshot of the scheduler, the open edges and the range
// locks. Edges and locks are sorted by name.
func (s *Service) Status() Status {
	st := Status{
		Rank:      s.Conf.Rank,
		Cycle:     s.scheduler.Cycle(),
		LiveNodes: s.scheduler.Live(),
		Edges:     []EdgeStatus{},
		Locks:     []LockStatus{},
		Resource:  s.getResourceTracker().Snapshot(),
	}

	s.edgesMu.Lock()
	for name, conn := range s.edges {
		es := EdgeStatus{
			Name:    name,
			ID:      conn.ID(),
			Backend: conn.Channel().Name(),
			Peer:    conn.Peer(),
			Tag:     conn.Tag(),
			State:   conn.State().String(),
		}
		if err := conn.Err(); err != nil {
			es.Error = err.Error()
		}
		st.Edges = append(st.Edges, es)
	}
	for name, lock := range s.locks {
		stats := lock.Stats()
		st.Locks = append(st.Locks, LockStatus{
			Name:       name,
			Available:  lock.Available(),
			Drops:      stats.Drops,
			Generation: stats.Generation,
		})
	}
	s.edgesMu.Unlock()

	sort.Slice(st.Edges, func(i, j int) bool { return st.Edges[i].Name < st.Edges[j].Name })
	sort.Slice(st.Locks, func(i, j int) bool { return st.Locks[i].Name < st.Locks[j].Name })
	return st
}

func (s *Service) getResourceTracker() *resourceTracker {
	s.resourceOnce.Do(func() {
		s.resourceTracker = newResourceTracker()
	})
	return s.resourceTracker
}
