// Package panel owns the fleet entities: it validates mutations, provisions
// Reality keys, renders node configurations and pushes them to node agents.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
	"xray-fleet/internal/link"
	"xray-fleet/internal/reality"
	"xray-fleet/internal/store"
	"xray-fleet/internal/xray"
)

// StaleNodeError is returned by a mutation that was stored but whose
// immediate push failed; the node keeps running its previous config.
type StaleNodeError struct {
	NodeID int64
	Err    error
}

func (e *StaleNodeError) Error() string {
	return fmt.Sprintf("saved, but node %d still runs its previous config: %v", e.NodeID, e.Err)
}

func (e *StaleNodeError) Unwrap() error {
	return e.Err
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

type Service struct {
	store      store.Store
	renderer   *xray.Renderer
	dispatcher *Dispatcher
	trigger    *Trigger
	policy     string
	metrics    domain.MetricsCollector
	logger     *zap.Logger
}

func NewService(
	cfg *config.PanelConfig,
	st store.Store,
	renderer *xray.Renderer,
	dispatcher *Dispatcher,
	trigger *Trigger,
	metrics domain.MetricsCollector,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:      st,
		renderer:   renderer,
		dispatcher: dispatcher,
		trigger:    trigger,
		policy:     cfg.Push.Policy,
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "service")),
	}
}

// changed runs the push policy for a node whose graph was mutated.
func (s *Service) changed(ctx context.Context, nodeID int64) error {
	switch s.policy {
	case config.PushPolicyManual:
		return nil
	case config.PushPolicyImmediate:
		if _, err := s.dispatcher.Push(ctx, nodeID); err != nil {
			return &StaleNodeError{NodeID: nodeID, Err: err}
		}
		return nil
	default:
		s.trigger.NotifyChanged(nodeID)
		return nil
	}
}

func (s *Service) ListNodes(ctx context.Context) ([]domain.Node, error) {
	return s.store.ListNodes(ctx)
}

func (s *Service) GetNode(ctx context.Context, id int64) (domain.Node, error) {
	return s.store.GetNode(ctx, id)
}

func (s *Service) CreateNode(ctx context.Context, input NodeInput) (domain.Node, error) {
	if err := validateInput(input); err != nil {
		return domain.Node{}, err
	}
	node := domain.Node{
		Name:    input.Name,
		URL:     strings.TrimRight(input.URL, "/"),
		NodeKey: input.NodeKey,
	}
	if err := s.store.CreateNode(ctx, &node); err != nil {
		return domain.Node{}, err
	}
	s.logger.Info("node created", zap.Int64("node_id", node.ID), zap.String("node", node.Name))
	return node, nil
}

// UpdateNode changes node fields. A changed URL or key is pushed so the agent
// at the new location converges.
func (s *Service) UpdateNode(ctx context.Context, id int64, patch NodePatch) (domain.Node, error) {
	if err := validateInput(patch); err != nil {
		return domain.Node{}, err
	}
	node, err := s.store.GetNode(ctx, id)
	if err != nil {
		return domain.Node{}, err
	}
	if patch.Name != nil {
		node.Name = *patch.Name
	}
	if patch.URL != nil {
		node.URL = strings.TrimRight(*patch.URL, "/")
	}
	if patch.NodeKey != nil {
		node.NodeKey = *patch.NodeKey
	}
	if err := s.store.UpdateNode(ctx, node); err != nil {
		return domain.Node{}, err
	}
	return node, s.changed(ctx, node.ID)
}

// DeleteNode removes a node with its inbounds and clients. Nothing is pushed:
// the agent is no longer managed.
func (s *Service) DeleteNode(ctx context.Context, id int64) error {
	if err := s.store.DeleteNode(ctx, id); err != nil {
		return err
	}
	s.logger.Info("node deleted", zap.Int64("node_id", id))
	return nil
}

func (s *Service) ListInbounds(ctx context.Context, nodeID int64) ([]domain.Inbound, error) {
	return s.store.ListInbounds(ctx, nodeID)
}

func (s *Service) GetInbound(ctx context.Context, id int64) (domain.Inbound, error) {
	return s.store.GetInbound(ctx, id)
}

func parseSecurity(raw string) (domain.SecurityMode, error) {
	mode, err := domain.ParseSecurityMode(raw)
	if err != nil {
		return "", &InputError{Fields: []string{"security"}, Reason: err.Error()}
	}
	return mode, nil
}

func defaultRealityDest(sni string) string {
	if sni == "" {
		return ""
	}
	return sni + ":443"
}

func (s *Service) CreateInbound(ctx context.Context, input InboundInput) (domain.Inbound, error) {
	if err := validateInput(input); err != nil {
		return domain.Inbound{}, err
	}

	in := domain.Inbound{
		NodeID:             input.NodeID,
		Name:               input.Name,
		Address:            input.Address,
		Listen:             input.Listen,
		Port:               input.Port,
		Protocol:           input.Protocol,
		Network:            input.Network,
		SNI:                input.SNI,
		RealityDest:        input.RealityDest,
		RealityFingerprint: input.RealityFingerprint,
	}
	if input.Security != "" {
		mode, err := parseSecurity(input.Security)
		if err != nil {
			return domain.Inbound{}, err
		}
		in.Security = mode
	}
	in.ApplyDefaults()

	if err := s.prepare(&in); err != nil {
		return domain.Inbound{}, err
	}
	if err := s.store.CreateInbound(ctx, &in); err != nil {
		return domain.Inbound{}, err
	}
	s.logger.Info("inbound created",
		zap.Int64("inbound_id", in.ID),
		zap.Int64("node_id", in.NodeID),
		zap.String("security", string(in.Security)))
	return in, s.changed(ctx, in.NodeID)
}

func (s *Service) UpdateInbound(ctx context.Context, id int64, patch InboundPatch) (domain.Inbound, error) {
	if err := validateInput(patch); err != nil {
		return domain.Inbound{}, err
	}
	in, err := s.store.GetInbound(ctx, id)
	if err != nil {
		return domain.Inbound{}, err
	}

	defaultDest := in.RealityDest == "" || in.RealityDest == defaultRealityDest(in.SNI)
	if patch.Name != nil {
		in.Name = *patch.Name
	}
	if patch.Address != nil {
		in.Address = *patch.Address
	}
	if patch.Listen != nil {
		in.Listen = *patch.Listen
	}
	if patch.Port != nil {
		in.Port = *patch.Port
	}
	if patch.Protocol != nil {
		in.Protocol = *patch.Protocol
	}
	if patch.Network != nil {
		in.Network = *patch.Network
	}
	if patch.Security != nil {
		mode, err := parseSecurity(*patch.Security)
		if err != nil {
			return domain.Inbound{}, err
		}
		in.Security = mode
	}
	if patch.SNI != nil {
		in.SNI = *patch.SNI
	}
	if patch.RealityFingerprint != nil {
		in.RealityFingerprint = *patch.RealityFingerprint
	}
	switch {
	case patch.RealityDest != nil:
		in.RealityDest = *patch.RealityDest
	case defaultDest:
		// a derived destination follows the SNI
		in.RealityDest = ""
	}
	in.ApplyDefaults()

	if err := s.prepare(&in); err != nil {
		return domain.Inbound{}, err
	}
	if err := s.store.UpdateInbound(ctx, in); err != nil {
		return domain.Inbound{}, err
	}
	return in, s.changed(ctx, in.NodeID)
}

// prepare fills Reality defaults, provisions missing keys and checks the
// inbound renders. Existing keys are kept.
func (s *Service) prepare(in *domain.Inbound) error {
	if in.Security == domain.SecurityReality {
		if in.RealityDest == "" {
			in.RealityDest = defaultRealityDest(in.SNI)
		}
		written, err := reality.EnsureKeys(in)
		if err != nil {
			return fmt.Errorf("failed to provision reality keys: %w", err)
		}
		if written {
			s.metrics.RecordKeyProvision()
			s.logger.Info("reality keys provisioned", zap.String("inbound", in.Name))
		}
	}
	return s.renderer.CheckInbound(*in)
}

func (s *Service) DeleteInbound(ctx context.Context, id int64) error {
	in, err := s.store.GetInbound(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteInbound(ctx, id); err != nil {
		return err
	}
	return s.changed(ctx, in.NodeID)
}

func (s *Service) ListClients(ctx context.Context, inboundID int64) ([]domain.Client, error) {
	return s.store.ListClients(ctx, inboundID)
}

func (s *Service) GetClient(ctx context.Context, id int64) (domain.Client, error) {
	return s.store.GetClient(ctx, id)
}

func (s *Service) CreateClient(ctx context.Context, input ClientInput) (domain.Client, error) {
	if err := validateInput(input); err != nil {
		return domain.Client{}, err
	}
	in, err := s.store.GetInbound(ctx, input.InboundID)
	if err != nil {
		return domain.Client{}, err
	}

	credential := strings.ToLower(input.UUID)
	if credential == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return domain.Client{}, fmt.Errorf("failed to generate client uuid: %w", err)
		}
		credential = id.String()
	}

	client := domain.Client{
		InboundID: in.ID,
		Username:  input.Username,
		UUID:      credential,
		Level:     input.Level,
	}
	if err := s.store.CreateClient(ctx, &client); err != nil {
		return domain.Client{}, err
	}
	return client, s.changed(ctx, in.NodeID)
}

// UpdateClient changes the username or level; the credential is immutable.
func (s *Service) UpdateClient(ctx context.Context, id int64, patch ClientPatch) (domain.Client, error) {
	if err := validateInput(patch); err != nil {
		return domain.Client{}, err
	}
	client, err := s.store.GetClient(ctx, id)
	if err != nil {
		return domain.Client{}, err
	}
	if patch.Username != nil {
		client.Username = *patch.Username
	}
	if patch.Level != nil {
		client.Level = *patch.Level
	}
	if err := s.store.UpdateClient(ctx, client); err != nil {
		return domain.Client{}, err
	}
	in, err := s.store.GetInbound(ctx, client.InboundID)
	if err != nil {
		return domain.Client{}, err
	}
	return client, s.changed(ctx, in.NodeID)
}

func (s *Service) DeleteClient(ctx context.Context, id int64) error {
	client, err := s.store.GetClient(ctx, id)
	if err != nil {
		return err
	}
	in, err := s.store.GetInbound(ctx, client.InboundID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteClient(ctx, id); err != nil {
		return err
	}
	return s.changed(ctx, in.NodeID)
}

func (s *Service) clientChain(ctx context.Context, id int64) (domain.Node, domain.Inbound, domain.Client, error) {
	client, err := s.store.GetClient(ctx, id)
	if err != nil {
		return domain.Node{}, domain.Inbound{}, domain.Client{}, err
	}
	in, err := s.store.GetInbound(ctx, client.InboundID)
	if err != nil {
		return domain.Node{}, domain.Inbound{}, domain.Client{}, err
	}
	node, err := s.store.GetNode(ctx, in.NodeID)
	if err != nil {
		return domain.Node{}, domain.Inbound{}, domain.Client{}, err
	}
	return node, in, client, nil
}

// ClientURI returns the vless:// share link of a client.
func (s *Service) ClientURI(ctx context.Context, id int64) (string, error) {
	node, in, client, err := s.clientChain(ctx, id)
	if err != nil {
		return "", err
	}
	return link.Build(node, in, client)
}

// ClientShareConfig returns the JSON share document of a client.
func (s *Service) ClientShareConfig(ctx context.Context, id int64) (link.ShareConfig, error) {
	node, in, client, err := s.clientChain(ctx, id)
	if err != nil {
		return link.ShareConfig{}, err
	}
	return link.ClientConfig(node, in, client), nil
}

// RenderNode returns the document a push would send, without sending it.
func (s *Service) RenderNode(ctx context.Context, nodeID int64) (*xray.Config, error) {
	_, doc, err := s.dispatcher.Render(ctx, nodeID)
	return doc, err
}

// PushNode renders and pushes a node now, regardless of the push policy.
func (s *Service) PushNode(ctx context.Context, nodeID int64) (*PushOutcome, error) {
	return s.dispatcher.Push(ctx, nodeID)
}
