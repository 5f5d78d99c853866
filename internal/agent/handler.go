package agent

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"xray-fleet/internal/config"
)

// NodeKeyHeader carries the shared secret of the node.
const NodeKeyHeader = "X-Node-Key"

const maxConfigBytes = 8 << 20

type Handler struct {
	nodeID      string
	nodeKey     string
	allow       []net.IP
	coordinator *Coordinator
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
}

func NewHandler(cfg *config.AgentConfig, coordinator *Coordinator, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	allow := make([]net.IP, 0, len(cfg.AllowIPs))
	for _, raw := range cfg.AllowIPs {
		if ip := net.ParseIP(raw); ip != nil {
			allow = append(allow, ip)
		}
	}
	return &Handler{
		nodeID:      cfg.NodeID,
		nodeKey:     cfg.NodeKey,
		allow:       allow,
		coordinator: coordinator,
		gatherer:    gatherer,
		logger:      logger.With(zap.String("component", "agent_api")),
	}
}

// Routes returns the agent API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(h.allowList, h.authentication)
		r.Get("/status", h.status)
		r.Post("/apply-config", h.applyConfig)
	})
	return r
}

func detail(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, render.M{"detail": message})
}

func (h *Handler) allowList(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.allow) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip != nil {
			for _, allowed := range h.allow {
				if allowed.Equal(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		h.logger.Warn("rejected caller outside allow list", zap.String("remote", host))
		detail(w, r, http.StatusForbidden, "IP is not allowed")
	})
}

func (h *Handler) authentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.nodeKey == "" {
			detail(w, r, http.StatusInternalServerError, "node key is not configured")
			return
		}
		key := r.Header.Get(NodeKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.nodeKey)) != 1 {
			detail(w, r, http.StatusUnauthorized, "invalid node key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"status": "ok", "node": h.nodeID})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.coordinator.Status(h.nodeID))
}

func (h *Handler) applyConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			detail(w, r, http.StatusRequestEntityTooLarge, "config too large")
			return
		}
		detail(w, r, http.StatusBadRequest, "failed to read body")
		return
	}

	doc, err := DecodeDocument(body)
	if err != nil {
		detail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := h.coordinator.Apply(r.Context(), h.nodeID, doc)
	if err == nil {
		render.JSON(w, r, render.M{
			"status": "applied",
			"node":   applied.Node,
			"bytes":  applied.Bytes,
		})
		return
	}

	var applyErr *ApplyError
	if !errors.As(err, &applyErr) {
		applyErr = &ApplyError{Kind: KindInternal, Err: err}
	}
	switch applyErr.Kind {
	case KindInvalidConfig:
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, render.M{
			"status": string(KindInvalidConfig),
			"detail": applyErr.Output,
		})
	case KindRestartFailed:
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, render.M{
			"status":         string(KindRestartFailed),
			"config_updated": true,
			"detail":         applyErr.Error(),
		})
	default:
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, render.M{
			"status": "error",
			"detail": applyErr.Err.Error(),
		})
	}
}

var (
	errInvalidJSON = errors.New("invalid JSON")
	errNotObject   = errors.New("config must be a JSON object")
)

// DecodeDocument accepts either {"config": {...}} or a bare config object.
// Numbers are kept verbatim.
func DecodeDocument(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, errInvalidJSON
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errInvalidJSON
	}

	obj, ok := payload.(map[string]interface{})
	if !ok {
		return nil, errNotObject
	}
	if wrapped, ok := obj["config"]; ok {
		if obj, ok = wrapped.(map[string]interface{}); !ok {
			return nil, errNotObject
		}
	}
	return obj, nil
}
