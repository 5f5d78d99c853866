package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sagernet/bbolt"
	"xray-fleet/internal/domain"
)

var (
	bucketNodes    = []byte("nodes")
	bucketInbounds = []byte("inbounds")
	bucketClients  = []byte("clients")
)

type boltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) a bbolt database at path.
func OpenBolt(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketInbounds, bucketClients} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &boltStore{db: db}, nil
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func loadAll[T any](b *bbolt.Bucket, keep func(T) bool) ([]T, error) {
	out := []T{}
	err := b.ForEach(func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("corrupt record in %s: %w", b.Tx().DB().Path(), err)
		}
		if keep == nil || keep(item) {
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

func load[T any](b *bbolt.Bucket, entity string, id int64) (T, error) {
	var item T
	data := b.Get(itob(id))
	if data == nil {
		return item, domain.NewNotFoundError(entity, id)
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("corrupt %s %d: %w", entity, id, err)
	}
	return item, nil
}

func save(b *bbolt.Bucket, id int64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(itob(id), data)
}

func nextID(b *bbolt.Bucket) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

func (s *boltStore) CreateNode(_ context.Context, node *domain.Node) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		nodes, err := loadAll[domain.Node](b, nil)
		if err != nil {
			return err
		}
		if err := checkNode(nodes, *node); err != nil {
			return err
		}
		if node.ID, err = nextID(b); err != nil {
			return err
		}
		return save(b, node.ID, node)
	})
}

func (s *boltStore) GetNode(_ context.Context, id int64) (node domain.Node, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		node, err = load[domain.Node](tx.Bucket(bucketNodes), "node", id)
		return err
	})
	return node, err
}

func (s *boltStore) ListNodes(context.Context) (nodes []domain.Node, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		nodes, err = loadAll[domain.Node](tx.Bucket(bucketNodes), nil)
		return err
	})
	return nodes, err
}

func (s *boltStore) UpdateNode(_ context.Context, node domain.Node) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if _, err := load[domain.Node](b, "node", node.ID); err != nil {
			return err
		}
		nodes, err := loadAll[domain.Node](b, nil)
		if err != nil {
			return err
		}
		if err := checkNode(nodes, node); err != nil {
			return err
		}
		return save(b, node.ID, node)
	})
}

func (s *boltStore) DeleteNode(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if _, err := load[domain.Node](b, "node", id); err != nil {
			return err
		}
		inbounds, err := loadAll(tx.Bucket(bucketInbounds), func(in domain.Inbound) bool { return in.NodeID == id })
		if err != nil {
			return err
		}
		for _, in := range inbounds {
			if err := deleteInbound(tx, in.ID); err != nil {
				return err
			}
		}
		return b.Delete(itob(id))
	})
}

func (s *boltStore) CreateInbound(_ context.Context, inbound *domain.Inbound) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := load[domain.Node](tx.Bucket(bucketNodes), "node", inbound.NodeID); err != nil {
			return err
		}
		b := tx.Bucket(bucketInbounds)
		inbounds, err := loadAll[domain.Inbound](b, nil)
		if err != nil {
			return err
		}
		if err := checkInbound(inbounds, *inbound); err != nil {
			return err
		}
		if inbound.ID, err = nextID(b); err != nil {
			return err
		}
		return save(b, inbound.ID, inbound)
	})
}

func (s *boltStore) GetInbound(_ context.Context, id int64) (inbound domain.Inbound, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		inbound, err = load[domain.Inbound](tx.Bucket(bucketInbounds), "inbound", id)
		return err
	})
	return inbound, err
}

func (s *boltStore) ListInbounds(_ context.Context, nodeID int64) (inbounds []domain.Inbound, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		inbounds, err = loadAll(tx.Bucket(bucketInbounds), func(in domain.Inbound) bool {
			return nodeID == 0 || in.NodeID == nodeID
		})
		return err
	})
	return inbounds, err
}

func (s *boltStore) UpdateInbound(_ context.Context, inbound domain.Inbound) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInbounds)
		current, err := load[domain.Inbound](b, "inbound", inbound.ID)
		if err != nil {
			return err
		}
		inbound.NodeID = current.NodeID
		inbounds, err := loadAll[domain.Inbound](b, nil)
		if err != nil {
			return err
		}
		if err := checkInbound(inbounds, inbound); err != nil {
			return err
		}
		return save(b, inbound.ID, inbound)
	})
}

func (s *boltStore) DeleteInbound(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := load[domain.Inbound](tx.Bucket(bucketInbounds), "inbound", id); err != nil {
			return err
		}
		return deleteInbound(tx, id)
	})
}

func deleteInbound(tx *bbolt.Tx, id int64) error {
	clients := tx.Bucket(bucketClients)
	owned, err := loadAll(clients, func(c domain.Client) bool { return c.InboundID == id })
	if err != nil {
		return err
	}
	for _, c := range owned {
		if err := clients.Delete(itob(c.ID)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketInbounds).Delete(itob(id))
}

func (s *boltStore) CreateClient(_ context.Context, client *domain.Client) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := load[domain.Inbound](tx.Bucket(bucketInbounds), "inbound", client.InboundID); err != nil {
			return err
		}
		b := tx.Bucket(bucketClients)
		clients, err := loadAll[domain.Client](b, nil)
		if err != nil {
			return err
		}
		if err := checkClient(clients, *client); err != nil {
			return err
		}
		if client.ID, err = nextID(b); err != nil {
			return err
		}
		return save(b, client.ID, client)
	})
}

func (s *boltStore) GetClient(_ context.Context, id int64) (client domain.Client, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		client, err = load[domain.Client](tx.Bucket(bucketClients), "client", id)
		return err
	})
	return client, err
}

func (s *boltStore) ListClients(_ context.Context, inboundID int64) (clients []domain.Client, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		clients, err = loadAll(tx.Bucket(bucketClients), func(c domain.Client) bool {
			return inboundID == 0 || c.InboundID == inboundID
		})
		return err
	})
	return clients, err
}

func (s *boltStore) UpdateClient(_ context.Context, client domain.Client) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketClients)
		current, err := load[domain.Client](b, "client", client.ID)
		if err != nil {
			return err
		}
		client.InboundID = current.InboundID
		client.UUID = current.UUID
		clients, err := loadAll[domain.Client](b, nil)
		if err != nil {
			return err
		}
		if err := checkClient(clients, client); err != nil {
			return err
		}
		return save(b, client.ID, client)
	})
}

func (s *boltStore) DeleteClient(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketClients)
		if _, err := load[domain.Client](b, "client", id); err != nil {
			return err
		}
		return b.Delete(itob(id))
	})
}

func (s *boltStore) NodeGraph(_ context.Context, nodeID int64) (graph domain.NodeGraph, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		node, err := load[domain.Node](tx.Bucket(bucketNodes), "node", nodeID)
		if err != nil {
			return err
		}
		inbounds, err := loadAll(tx.Bucket(bucketInbounds), func(in domain.Inbound) bool { return in.NodeID == nodeID })
		if err != nil {
			return err
		}
		clients, err := loadAll[domain.Client](tx.Bucket(bucketClients), nil)
		if err != nil {
			return err
		}
		graph = buildGraph(node, inbounds, clients)
		return nil
	})
	return graph, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
