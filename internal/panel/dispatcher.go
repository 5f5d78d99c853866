package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
	"xray-fleet/internal/metrics"
	"xray-fleet/internal/store"
	"xray-fleet/internal/worker"
	"xray-fleet/internal/xray"
)

// NodeKeyHeader authenticates the panel to a node agent.
const NodeKeyHeader = "X-Node-Key"

const maxResponseBytes = 1 << 20

// PushOutcome describes an accepted push.
type PushOutcome struct {
	NodeID   int64           `json:"node_id"`
	Node     string          `json:"node"`
	Status   int             `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Dispatcher renders node graphs and posts them to node agents. It never
// retries.
type Dispatcher struct {
	store    store.Store
	renderer *xray.Renderer
	client   *http.Client
	pool     *worker.Pool
	metrics  domain.MetricsCollector
	logger   *zap.Logger
}

func NewDispatcher(
	cfg *config.PanelConfig,
	st store.Store,
	renderer *xray.Renderer,
	pool *worker.Pool,
	metrics domain.MetricsCollector,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:    st,
		renderer: renderer,
		client:   &http.Client{Timeout: cfg.Push.Timeout()},
		pool:     pool,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Render loads the node graph and renders it.
func (d *Dispatcher) Render(ctx context.Context, nodeID int64) (domain.Node, *xray.Config, error) {
	graph, err := d.store.NodeGraph(ctx, nodeID)
	if err != nil {
		return domain.Node{}, nil, err
	}
	doc, err := d.renderer.Render(graph)
	if err != nil {
		return graph.Node, nil, err
	}
	return graph.Node, doc, nil
}

// Push renders the node and transmits the document to its agent.
func (d *Dispatcher) Push(ctx context.Context, nodeID int64) (*PushOutcome, error) {
	node, doc, err := d.Render(ctx, nodeID)
	if err != nil {
		if node.ID == 0 {
			return nil, err
		}
		d.metrics.RecordPush(node.Name, metrics.ResultError, 0)
		return nil, &PushError{Kind: PushRender, Node: node.Name, Err: err}
	}

	start := time.Now()
	outcome, err := d.send(ctx, node, doc)
	duration := time.Since(start)

	logger := d.logger.With(zap.Int64("node_id", node.ID), zap.String("node", node.Name))
	if err != nil {
		result := metrics.ResultRemote
		if errors.Is(err, ErrUnreachable) {
			result = metrics.ResultUnreachable
		}
		d.metrics.RecordPush(node.Name, result, duration)
		logger.Warn("push failed", zap.Duration("duration", duration), zap.Error(err))
		return nil, err
	}

	outcome.Duration = duration
	d.metrics.RecordPush(node.Name, metrics.ResultPushed, duration)
	logger.Info("config pushed", zap.Int("status", outcome.Status), zap.Duration("duration", duration))
	return outcome, nil
}

func (d *Dispatcher) send(ctx context.Context, node domain.Node, doc *xray.Config) (*PushOutcome, error) {
	body, err := json.Marshal(map[string]interface{}{"config": doc})
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	endpoint := strings.TrimRight(node.URL, "/") + "/apply-config"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &PushError{Kind: PushUnreachable, Node: node.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(NodeKeyHeader, node.NodeKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &PushError{Kind: PushUnreachable, Node: node.Name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &PushError{Kind: PushUnreachable, Node: node.Name, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &PushError{
			Kind:   PushRemote,
			Node:   node.Name,
			Status: resp.StatusCode,
			Body:   string(respBody),
			Err:    ErrRemote,
		}
	}

	outcome := &PushOutcome{NodeID: node.ID, Node: node.Name, Status: resp.StatusCode}
	if json.Valid(respBody) {
		outcome.Response = respBody
	}
	return outcome, nil
}

// PushAll pushes the given nodes, or every node when nodeIDs is empty,
// through the worker pool. Nodes that no longer exist are skipped.
func (d *Dispatcher) PushAll(ctx context.Context, nodeIDs []int64) error {
	if len(nodeIDs) == 0 {
		nodes, err := d.store.ListNodes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		for _, n := range nodes {
			nodeIDs = append(nodeIDs, n.ID)
		}
	}

	jobs := make([]worker.Job, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		id := id
		jobs = append(jobs, worker.Job{
			Name: fmt.Sprintf("push node %d", id),
			Run: func(ctx context.Context) error {
				_, err := d.Push(ctx, id)
				if isNotFound(err) {
					return nil
				}
				return err
			},
		})
	}
	return d.pool.Run(ctx, jobs)
}
