// Package store persists nodes, inbounds and clients with cascade deletes
// and the uniqueness rules of the fleet model.
package store

import (
	"context"

	"xray-fleet/internal/domain"
)

// Store is the entity store. List methods return entities in id order; a
// zero parent id lists every entity.
type Store interface {
	CreateNode(ctx context.Context, node *domain.Node) error
	GetNode(ctx context.Context, id int64) (domain.Node, error)
	ListNodes(ctx context.Context) ([]domain.Node, error)
	UpdateNode(ctx context.Context, node domain.Node) error
	DeleteNode(ctx context.Context, id int64) error

	CreateInbound(ctx context.Context, inbound *domain.Inbound) error
	GetInbound(ctx context.Context, id int64) (domain.Inbound, error)
	ListInbounds(ctx context.Context, nodeID int64) ([]domain.Inbound, error)
	UpdateInbound(ctx context.Context, inbound domain.Inbound) error
	DeleteInbound(ctx context.Context, id int64) error

	CreateClient(ctx context.Context, client *domain.Client) error
	GetClient(ctx context.Context, id int64) (domain.Client, error)
	ListClients(ctx context.Context, inboundID int64) ([]domain.Client, error)
	UpdateClient(ctx context.Context, client domain.Client) error
	DeleteClient(ctx context.Context, id int64) error

	// NodeGraph loads a node with its inbounds and their clients.
	NodeGraph(ctx context.Context, nodeID int64) (domain.NodeGraph, error)

	Close() error
}

func checkNode(existing []domain.Node, node domain.Node) error {
	for _, n := range existing {
		if n.ID != node.ID && n.Name == node.Name {
			return domain.NewConflictError("node", "name", node.Name)
		}
	}
	return nil
}

func checkInbound(existing []domain.Inbound, inbound domain.Inbound) error {
	for _, in := range existing {
		if in.ID != inbound.ID && in.NodeID == inbound.NodeID && in.Name == inbound.Name {
			return domain.NewConflictError("inbound", "name", inbound.Name)
		}
	}
	return nil
}

func checkClient(existing []domain.Client, client domain.Client) error {
	for _, c := range existing {
		if c.ID == client.ID {
			continue
		}
		if c.UUID == client.UUID {
			return domain.NewConflictError("client", "uuid", client.UUID)
		}
		if c.InboundID == client.InboundID && c.Username == client.Username {
			return domain.NewConflictError("client", "username", client.Username)
		}
	}
	return nil
}

func buildGraph(node domain.Node, inbounds []domain.Inbound, clients []domain.Client) domain.NodeGraph {
	graph := domain.NodeGraph{Node: node, Inbounds: make([]domain.InboundGraph, 0, len(inbounds))}
	index := make(map[int64]int, len(inbounds))
	for _, in := range inbounds {
		index[in.ID] = len(graph.Inbounds)
		graph.Inbounds = append(graph.Inbounds, domain.InboundGraph{Inbound: in, Clients: []domain.Client{}})
	}
	for _, c := range clients {
		if i, ok := index[c.InboundID]; ok {
			graph.Inbounds[i].Clients = append(graph.Inbounds[i].Clients, c)
		}
	}
	return graph
}
