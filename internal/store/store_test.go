package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
)

func forEachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	drivers := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{
			name: "memory",
			open: func(t *testing.T) Store { return NewMemory() },
		},
		{
			name: "bolt",
			open: func(t *testing.T) Store {
				s, err := Open(config.StoreConfig{Driver: "bolt", Path: filepath.Join(t.TempDir(), "fleet.db")})
				require.NoError(t, err)
				return s
			},
		},
	}

	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			s := d.open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func seed(t *testing.T, s Store) (domain.Node, domain.Inbound, domain.Client) {
	t.Helper()
	ctx := context.Background()

	node := domain.Node{Name: "n1", URL: "http://n1:8081", NodeKey: "secret"}
	require.NoError(t, s.CreateNode(ctx, &node))

	inbound := domain.Inbound{NodeID: node.ID, Name: "i1", SNI: "example.com"}
	inbound.ApplyDefaults()
	require.NoError(t, s.CreateInbound(ctx, &inbound))

	client := domain.Client{InboundID: inbound.ID, Username: "alice", UUID: "uuid-alice"}
	require.NoError(t, s.CreateClient(ctx, &client))

	return node, inbound, client
}

func TestStoreCRUD(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		node, inbound, client := seed(t, s)

		assert.NotZero(t, node.ID)
		assert.NotZero(t, inbound.ID)
		assert.NotZero(t, client.ID)

		got, err := s.GetInbound(ctx, inbound.ID)
		require.NoError(t, err)
		assert.Equal(t, inbound, got)

		client.Username = "alice2"
		client.Level = 3
		client.UUID = "ignored"
		require.NoError(t, s.UpdateClient(ctx, client))

		updated, err := s.GetClient(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice2", updated.Username)
		assert.Equal(t, 3, updated.Level)
		assert.Equal(t, "uuid-alice", updated.UUID)

		node.URL = "http://n1:9000"
		require.NoError(t, s.UpdateNode(ctx, node))
		nodes, err := s.ListNodes(ctx)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "http://n1:9000", nodes[0].URL)

		require.NoError(t, s.DeleteClient(ctx, client.ID))
		_, err = s.GetClient(ctx, client.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestStoreUniqueness(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		node, inbound, _ := seed(t, s)

		dupNode := domain.Node{Name: "n1", URL: "http://other"}
		assert.True(t, errors.Is(s.CreateNode(ctx, &dupNode), domain.ErrConflict))

		dupInbound := domain.Inbound{NodeID: node.ID, Name: "i1"}
		assert.True(t, errors.Is(s.CreateInbound(ctx, &dupInbound), domain.ErrConflict))

		other := domain.Node{Name: "n2", URL: "http://n2"}
		require.NoError(t, s.CreateNode(ctx, &other))
		sameNameOtherNode := domain.Inbound{NodeID: other.ID, Name: "i1"}
		assert.NoError(t, s.CreateInbound(ctx, &sameNameOtherNode))

		dupUUID := domain.Client{InboundID: sameNameOtherNode.ID, Username: "bob", UUID: "uuid-alice"}
		assert.True(t, errors.Is(s.CreateClient(ctx, &dupUUID), domain.ErrConflict))

		dupUsername := domain.Client{InboundID: inbound.ID, Username: "alice", UUID: "uuid-2"}
		assert.True(t, errors.Is(s.CreateClient(ctx, &dupUsername), domain.ErrConflict))

		sameUsernameOtherInbound := domain.Client{InboundID: sameNameOtherNode.ID, Username: "alice", UUID: "uuid-3"}
		assert.NoError(t, s.CreateClient(ctx, &sameUsernameOtherInbound))
	})
}

func TestStoreMissingParents(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		inbound := domain.Inbound{NodeID: 42, Name: "orphan"}
		assert.True(t, errors.Is(s.CreateInbound(ctx, &inbound), domain.ErrNotFound))

		client := domain.Client{InboundID: 42, Username: "orphan", UUID: "u"}
		assert.True(t, errors.Is(s.CreateClient(ctx, &client), domain.ErrNotFound))

		_, err := s.NodeGraph(ctx, 42)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.True(t, errors.Is(s.DeleteNode(ctx, 42), domain.ErrNotFound))
	})
}

func TestStoreCascadeDelete(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		node, inbound, client := seed(t, s)

		require.NoError(t, s.DeleteNode(ctx, node.ID))

		_, err := s.GetInbound(ctx, inbound.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		_, err = s.GetClient(ctx, client.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		clients, err := s.ListClients(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, clients)
	})
}

func TestStoreNodeGraphOrder(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		node, first, _ := seed(t, s)

		second := domain.Inbound{NodeID: node.ID, Name: "i2", Security: domain.SecurityNone}
		require.NoError(t, s.CreateInbound(ctx, &second))
		for _, name := range []string{"zed", "amy"} {
			c := domain.Client{InboundID: first.ID, Username: name, UUID: "uuid-" + name}
			require.NoError(t, s.CreateClient(ctx, &c))
		}

		graph, err := s.NodeGraph(ctx, node.ID)
		require.NoError(t, err)
		assert.Equal(t, node, graph.Node)
		require.Len(t, graph.Inbounds, 2)
		assert.Equal(t, "i1", graph.Inbounds[0].Inbound.Name)
		assert.Equal(t, "i2", graph.Inbounds[1].Inbound.Name)

		var names []string
		for _, c := range graph.Inbounds[0].Clients {
			names = append(names, c.Username)
		}
		assert.Equal(t, []string{"alice", "zed", "amy"}, names)
		assert.NotNil(t, graph.Inbounds[1].Clients)
		assert.Empty(t, graph.Inbounds[1].Clients)
	})
}

func TestBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	node, _, _ := seed(t, s)
	require.NoError(t, s.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	graph, err := reopened.NodeGraph(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, graph.Inbounds, 1)
	require.Len(t, graph.Inbounds[0].Clients, 1)
	assert.Equal(t, "alice", graph.Inbounds[0].Clients[0].Username)
}
