package store

import (
	"context"
	"sort"
	"sync"

	"xray-fleet/internal/domain"
)

type memoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	nodes    map[int64]domain.Node
	inbounds map[int64]domain.Inbound
	clients  map[int64]domain.Client
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{
		nodes:    make(map[int64]domain.Node),
		inbounds: make(map[int64]domain.Inbound),
		clients:  make(map[int64]domain.Client),
	}
}

func (s *memoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func sortedValues[T any](m map[int64]T, keep func(T) bool) []T {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		if v := m[k]; keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (s *memoryStore) CreateNode(_ context.Context, node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkNode(sortedValues(s.nodes, nil), *node); err != nil {
		return err
	}
	node.ID = s.id()
	s.nodes[node.ID] = *node
	return nil
}

func (s *memoryStore) GetNode(_ context.Context, id int64) (domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return domain.Node{}, domain.NewNotFoundError("node", id)
	}
	return node, nil
}

func (s *memoryStore) ListNodes(context.Context) ([]domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.nodes, nil), nil
}

func (s *memoryStore) UpdateNode(_ context.Context, node domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.ID]; !ok {
		return domain.NewNotFoundError("node", node.ID)
	}
	if err := checkNode(sortedValues(s.nodes, nil), node); err != nil {
		return err
	}
	s.nodes[node.ID] = node
	return nil
}

func (s *memoryStore) DeleteNode(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return domain.NewNotFoundError("node", id)
	}
	for inID, in := range s.inbounds {
		if in.NodeID == id {
			s.deleteInboundLocked(inID)
		}
	}
	delete(s.nodes, id)
	return nil
}

func (s *memoryStore) CreateInbound(_ context.Context, inbound *domain.Inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[inbound.NodeID]; !ok {
		return domain.NewNotFoundError("node", inbound.NodeID)
	}
	if err := checkInbound(sortedValues(s.inbounds, nil), *inbound); err != nil {
		return err
	}
	inbound.ID = s.id()
	s.inbounds[inbound.ID] = *inbound
	return nil
}

func (s *memoryStore) GetInbound(_ context.Context, id int64) (domain.Inbound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.inbounds[id]
	if !ok {
		return domain.Inbound{}, domain.NewNotFoundError("inbound", id)
	}
	return in, nil
}

func (s *memoryStore) ListInbounds(_ context.Context, nodeID int64) ([]domain.Inbound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.inbounds, func(in domain.Inbound) bool {
		return nodeID == 0 || in.NodeID == nodeID
	}), nil
}

func (s *memoryStore) UpdateInbound(_ context.Context, inbound domain.Inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.inbounds[inbound.ID]
	if !ok {
		return domain.NewNotFoundError("inbound", inbound.ID)
	}
	inbound.NodeID = current.NodeID
	if err := checkInbound(sortedValues(s.inbounds, nil), inbound); err != nil {
		return err
	}
	s.inbounds[inbound.ID] = inbound
	return nil
}

func (s *memoryStore) DeleteInbound(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbounds[id]; !ok {
		return domain.NewNotFoundError("inbound", id)
	}
	s.deleteInboundLocked(id)
	return nil
}

func (s *memoryStore) deleteInboundLocked(id int64) {
	for clientID, c := range s.clients {
		if c.InboundID == id {
			delete(s.clients, clientID)
		}
	}
	delete(s.inbounds, id)
}

func (s *memoryStore) CreateClient(_ context.Context, client *domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbounds[client.InboundID]; !ok {
		return domain.NewNotFoundError("inbound", client.InboundID)
	}
	if err := checkClient(sortedValues(s.clients, nil), *client); err != nil {
		return err
	}
	client.ID = s.id()
	s.clients[client.ID] = *client
	return nil
}

func (s *memoryStore) GetClient(_ context.Context, id int64) (domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return domain.Client{}, domain.NewNotFoundError("client", id)
	}
	return c, nil
}

func (s *memoryStore) ListClients(_ context.Context, inboundID int64) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.clients, func(c domain.Client) bool {
		return inboundID == 0 || c.InboundID == inboundID
	}), nil
}

func (s *memoryStore) UpdateClient(_ context.Context, client domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.clients[client.ID]
	if !ok {
		return domain.NewNotFoundError("client", client.ID)
	}
	client.InboundID = current.InboundID
	client.UUID = current.UUID
	if err := checkClient(sortedValues(s.clients, nil), client); err != nil {
		return err
	}
	s.clients[client.ID] = client
	return nil
}

func (s *memoryStore) DeleteClient(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; !ok {
		return domain.NewNotFoundError("client", id)
	}
	delete(s.clients, id)
	return nil
}

func (s *memoryStore) NodeGraph(_ context.Context, nodeID int64) (domain.NodeGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return domain.NodeGraph{}, domain.NewNotFoundError("node", nodeID)
	}
	inbounds := sortedValues(s.inbounds, func(in domain.Inbound) bool { return in.NodeID == nodeID })
	clients := sortedValues(s.clients, nil)
	return buildGraph(node, inbounds, clients), nil
}

func (s *memoryStore) Close() error {
	return nil
}
