// Package leader provides a deterministic cluster-view observer. Rabia has
// no leader election: the "leader" here is purely informational, derived
// as the smallest node id in the sorted cluster view, and never drives
// consensus.
package leader

import (
	"sort"

	"github.com/rs/zerolog/log"

	"rabia/pkg/consensus"
)

// Selector derives the informational leader from membership snapshots.
type Selector struct {
	view    []consensus.NodeID
	current *consensus.NodeID
}

// Info describes the current leadership state.
type Info struct {
	Leader      *consensus.NodeID `json:"leader,omitempty"`
	ClusterView []consensus.NodeID `json:"cluster_view"`
	ClusterSize int               `json:"cluster_size"`
}

// NewSelector creates a selector with an empty cluster view.
func NewSelector() *Selector {
	return &Selector{}
}

// Update replaces the cluster view and returns the new leader when it
// changed.
func (s *Selector) Update(nodes map[consensus.NodeID]struct{}) (consensus.NodeID, bool) {
	view := make([]consensus.NodeID, 0, len(nodes))
	for id := range nodes {
		view = append(view, id)
	}
	sort.Slice(view, func(i, j int) bool {
		return view[i].Less(view[j])
	})
	s.view = view

	if len(view) == 0 {
		changed := s.current != nil
		s.current = nil
		return consensus.NodeID{}, changed
	}

	leader := view[0]
	if s.current != nil && *s.current == leader {
		return leader, false
	}
	s.current = &leader
	log.Info().Str("leader", leader.String()).Int("cluster", len(view)).
		Msg("Cluster view leader changed")
	return leader, true
}

// Leader returns the current leader, if any.
func (s *Selector) Leader() (consensus.NodeID, bool) {
	if s.current == nil {
		return consensus.NodeID{}, false
	}
	return *s.current, true
}

// IsLeader reports whether the given node is the current leader.
func (s *Selector) IsLeader(id consensus.NodeID) bool {
	return s.current != nil && *s.current == id
}

// Info returns a snapshot of the leadership state.
func (s *Selector) Info() Info {
	view := make([]consensus.NodeID, len(s.view))
	copy(view, s.view)
	return Info{
		Leader:      s.current,
		ClusterView: view,
		ClusterSize: len(view),
	}
}
