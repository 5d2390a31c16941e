// Package control mounts the local, non-protocol debug surface a running
// supervisor exposes for operational visibility: health, status, peer and
// workspace listings, and invite-URI parsing. None of these routes are
// part of the replication protocol; they exist purely for an operator to
// poke at a running node, grounded on the teacher's internal/api package
// (Handler{...} wired over injected dependencies, Register(r) mounting
// route groups).
package control

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nahma/nahma-core/internal/invite"
	"github.com/nahma/nahma-core/internal/persistence"
	"github.com/nahma/nahma-core/internal/registry"
)

// StatusProvider is satisfied by the supervisor: it reports the summary
// health numbers the /health and /debug/status routes surface, without
// this package importing the supervisor (which would invert the
// dependency the supervisor has on control).
type StatusProvider interface {
	Status() Status
}

// Status summarizes a running node for the local debug surface.
type Status struct {
	Degraded       bool `json:"degraded"`
	OpenDocuments  int  `json:"openDocuments"`
	ConnectedPeers int  `json:"connectedPeers"`
	QueuedUpdates  int  `json:"queuedUpdates"`
}

// Handler holds every dependency the debug routes read from. It never
// mutates registry, metadata, or supervisor state — this surface is
// read-only by design.
type Handler struct {
	reg    *registry.Registry
	meta   *persistence.MetadataStore
	status StatusProvider
}

// NewHandler constructs a Handler over the supervisor's live registry,
// metadata store, and status provider.
func NewHandler(reg *registry.Registry, meta *persistence.MetadataStore, status StatusProvider) *Handler {
	return &Handler{reg: reg, meta: meta, status: status}
}

// Register mounts every debug route on r. Binding r to 127.0.0.1 (unless
// --expose-debug was passed) is cmd/nahma's responsibility, not this
// package's.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)

	debug := r.Group("/debug")
	debug.GET("/status", h.Status)
	debug.GET("/peers", h.Peers)
	debug.GET("/workspaces", h.Workspaces)
	debug.GET("/topics/:topic", h.TopicPeers)
	debug.POST("/invite/parse", h.ParseInvite)
}

// Health reports liveness only: if the process can answer, it is up.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports the supervisor's summary health numbers, including
// whether it is currently in the Degraded state.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Status())
}

// Peers lists every topic the registry currently tracks and the peers
// joined to each, in the registry's deterministic lexicographic order.
func (h *Handler) Peers(c *gin.Context) {
	topics := h.reg.Topics()
	out := make(map[string][]string, len(topics))
	for _, t := range topics {
		out[t] = h.reg.TopicPeers(t)
	}
	c.JSON(http.StatusOK, gin.H{"topics": out})
}

// Workspaces lists every workspace, folder, and document record known to
// the metadata store.
func (h *Handler) Workspaces(c *gin.Context) {
	workspaces, folders, documents, err := h.meta.LoadAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspaces": workspaces,
		"folders":    folders,
		"documents":  documents,
	})
}

// TopicPeers lists the peers currently joined to a single topic.
func (h *Handler) TopicPeers(c *gin.Context) {
	topic := c.Param("topic")
	c.JSON(http.StatusOK, gin.H{"topic": topic, "peers": h.reg.TopicPeers(topic)})
}

// ParseInvite decodes an invite URI for operator inspection, without
// requiring the caller to embed the invite package itself.
// Body: {"uri": "nightjar://w/..."}
func (h *Handler) ParseInvite(c *gin.Context) {
	var body struct {
		URI string `json:"uri" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	parsed, err := invite.Parse(body.URI)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspaceId": parsed.WorkspaceID,
		"role":        parsed.Role,
	})
}
