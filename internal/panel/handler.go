package panel

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
	"xray-fleet/internal/xray"
)

// APIKeyHeader authenticates operators when an API key is configured.
const APIKeyHeader = "X-API-Key"

type Handler struct {
	service  *Service
	apiKey   string
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewHandler(cfg *config.PanelConfig, service *Service, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		apiKey:   cfg.APIKey,
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "panel_api")),
	}
}

// Routes returns the panel API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, render.M{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(h.authentication)

		r.Get("/nodes", h.listNodes)
		r.Post("/nodes", h.createNode)
		r.Get("/nodes/{id}", h.getNode)
		r.Patch("/nodes/{id}", h.updateNode)
		r.Delete("/nodes/{id}", h.deleteNode)
		r.Get("/nodes/{id}/config", h.renderNode)
		r.Post("/nodes/{id}/push", h.pushNode)

		r.Get("/inbounds", h.listInbounds)
		r.Post("/inbounds", h.createInbound)
		r.Get("/inbounds/{id}", h.getInbound)
		r.Patch("/inbounds/{id}", h.updateInbound)
		r.Delete("/inbounds/{id}", h.deleteInbound)

		r.Get("/clients", h.listClients)
		r.Post("/clients", h.createClient)
		r.Get("/clients/{id}", h.getClient)
		r.Patch("/clients/{id}", h.updateClient)
		r.Delete("/clients/{id}", h.deleteClient)
		r.Get("/clients/{id}/vless", h.clientURI)
		r.Get("/clients/{id}/config", h.clientConfig)
	})
	return r
}

func (h *Handler) authentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, render.M{"detail": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type nodeView struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	HasNodeKey bool   `json:"has_node_key"`
}

func newNodeView(n domain.Node) nodeView {
	return nodeView{ID: n.ID, Name: n.Name, URL: n.URL, HasNodeKey: n.NodeKey != ""}
}

type inboundView struct {
	domain.Inbound
	RealityPrivateKey string `json:"reality_private_key,omitempty"`
}

func newInboundView(in domain.Inbound) inboundView {
	return inboundView{Inbound: in}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := render.M{"detail": err.Error()}

	var pushErr *PushError
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, xray.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.As(err, &pushErr):
		status = http.StatusBadGateway
		if pushErr.Kind == PushRender {
			status = http.StatusBadRequest
		}
		if errors.Is(err, ErrUnreachable) {
			status = http.StatusGatewayTimeout
		}
		body["push"] = pushErr.Kind
		if pushErr.Kind == PushRemote {
			body["remote_status"] = pushErr.Status
			body["remote_body"] = pushErr.Body
		}
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	render.Status(r, status)
	render.JSON(w, r, body)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, render.M{"detail": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, render.M{"detail": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, render.M{"detail": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// saved writes a stored entity. A failed immediate push still reports the
// failure, with the entity attached.
func (h *Handler) saved(w http.ResponseWriter, r *http.Request, status int, view interface{}, err error) {
	var staleErr *StaleNodeError
	if errors.As(err, &staleErr) {
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, render.M{
			"detail": err.Error(),
			"saved":  true,
			"entity": view,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, status)
	render.JSON(w, r, view)
}

func (h *Handler) deleted(w http.ResponseWriter, r *http.Request, err error) {
	var staleErr *StaleNodeError
	if err != nil && !errors.As(err, &staleErr) {
		h.fail(w, r, err)
		return
	}
	h.saved(w, r, http.StatusOK, render.M{"status": "deleted"}, err)
}

func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.service.ListNodes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, newNodeView(n))
	}
	render.JSON(w, r, views)
}

func (h *Handler) createNode(w http.ResponseWriter, r *http.Request) {
	var input NodeInput
	if !h.decode(w, r, &input) {
		return
	}
	node, err := h.service.CreateNode(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, newNodeView(node))
}

func (h *Handler) getNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	node, err := h.service.GetNode(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, newNodeView(node))
}

func (h *Handler) updateNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var patch NodePatch
	if !h.decode(w, r, &patch) {
		return
	}
	node, err := h.service.UpdateNode(r.Context(), id, patch)
	h.saved(w, r, http.StatusOK, newNodeView(node), err)
}

func (h *Handler) deleteNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	h.deleted(w, r, h.service.DeleteNode(r.Context(), id))
}

func (h *Handler) renderNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.RenderNode(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, doc)
}

func (h *Handler) pushNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	outcome, err := h.service.PushNode(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, outcome)
}

func (h *Handler) listInbounds(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.queryID(w, r, "node_id")
	if !ok {
		return
	}
	inbounds, err := h.service.ListInbounds(r.Context(), nodeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]inboundView, 0, len(inbounds))
	for _, in := range inbounds {
		views = append(views, newInboundView(in))
	}
	render.JSON(w, r, views)
}

func (h *Handler) createInbound(w http.ResponseWriter, r *http.Request) {
	var input InboundInput
	if !h.decode(w, r, &input) {
		return
	}
	in, err := h.service.CreateInbound(r.Context(), input)
	h.saved(w, r, http.StatusCreated, newInboundView(in), err)
}

func (h *Handler) getInbound(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	in, err := h.service.GetInbound(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, newInboundView(in))
}

func (h *Handler) updateInbound(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var patch InboundPatch
	if !h.decode(w, r, &patch) {
		return
	}
	in, err := h.service.UpdateInbound(r.Context(), id, patch)
	h.saved(w, r, http.StatusOK, newInboundView(in), err)
}

func (h *Handler) deleteInbound(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	h.deleted(w, r, h.service.DeleteInbound(r.Context(), id))
}

func (h *Handler) listClients(w http.ResponseWriter, r *http.Request) {
	inboundID, ok := h.queryID(w, r, "inbound_id")
	if !ok {
		return
	}
	clients, err := h.service.ListClients(r.Context(), inboundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, clients)
}

func (h *Handler) createClient(w http.ResponseWriter, r *http.Request) {
	var input ClientInput
	if !h.decode(w, r, &input) {
		return
	}
	client, err := h.service.CreateClient(r.Context(), input)
	h.saved(w, r, http.StatusCreated, client, err)
}

func (h *Handler) getClient(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	client, err := h.service.GetClient(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, client)
}

func (h *Handler) updateClient(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var patch ClientPatch
	if !h.decode(w, r, &patch) {
		return
	}
	client, err := h.service.UpdateClient(r.Context(), id, patch)
	h.saved(w, r, http.StatusOK, client, err)
}

func (h *Handler) deleteClient(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	h.deleted(w, r, h.service.DeleteClient(r.Context(), id))
}

func (h *Handler) clientURI(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	uri, err := h.service.ClientURI(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, render.M{"vless_uri": uri})
}

func (h *Handler) clientConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	cfg, err := h.service.ClientShareConfig(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, cfg)
}
