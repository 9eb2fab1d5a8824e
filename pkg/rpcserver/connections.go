package rpcserver

import (
	"context"
	"net/http"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/responses"
	"github.com/JailtonJunior94/datadispatch/pkg/scheduler"

	"github.com/go-chi/chi/v5"
)

// ConnectionService is the slice of the scheduler the connections router
// depends on.
type ConnectionService interface {
	GetConnections() []catalog.Connection
	GetConnection(connID string) (catalog.Connection, error)
	AddConnection(conn catalog.Connection) (catalog.Connection, bool, error)
	UpdateConnection(conn catalog.Connection) (catalog.Connection, error)
	DeleteConnection(connID string) error
	DuplicateConnection(connID string) (catalog.Connection, error)
	TestConnection(ctx context.Context, conn catalog.Connection) (catalog.EndpointType, error)
	TestConnectionByID(ctx context.Context, connID string) (catalog.EndpointType, error)
	BulkTestConnections(ctx context.Context, ids []string, maxConcurrent int) []scheduler.TestOutcome
	DuplicateEndpoints() map[string][]string
}

// ConnectionsRouter serves connection CRUD, duplication and reachability
// tests.
type ConnectionsRouter struct {
	conns ConnectionService
}

// NewConnectionsRouter creates the connections resource router.
func NewConnectionsRouter(conns ConnectionService) *ConnectionsRouter {
	return &ConnectionsRouter{conns: conns}
}

// Register mounts the routes.
func (h *ConnectionsRouter) Register(r chi.Router) {
	r.Route("/api/v1/connections", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Post("/test", h.testDraft)
		r.Post("/bulk-test", h.bulkTest)
		r.Get("/duplicate-endpoints", h.duplicateEndpoints)

		r.Route("/{connID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Put("/", h.update)
			r.Delete("/", h.remove)
			r.Post("/duplicate", h.duplicate)
			r.Post("/test", h.test)
		})
	})
}

func (h *ConnectionsRouter) list(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.conns.GetConnections())
}

func (h *ConnectionsRouter) get(w http.ResponseWriter, r *http.Request) {
	conn, err := h.conns.GetConnection(chi.URLParam(r, "connID"))
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, conn)
}

type createConnectionResponse struct {
	Connection catalog.Connection `json:"connection"`
	Merged     bool               `json:"merged"`
}

// create adds a connection; a payload matching an existing endpoint merges
// into it instead of creating a duplicate, and says so.
func (h *ConnectionsRouter) create(w http.ResponseWriter, r *http.Request) {
	var conn catalog.Connection
	if err := decodeJSON(r, &conn); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, merged, err := h.conns.AddConnection(conn)
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusCreated
	if merged {
		status = http.StatusOK
	}
	responses.JSON(w, status, createConnectionResponse{Connection: saved, Merged: merged})
}

func (h *ConnectionsRouter) update(w http.ResponseWriter, r *http.Request) {
	var conn catalog.Connection
	if err := decodeJSON(r, &conn); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	conn.ID = chi.URLParam(r, "connID")

	updated, err := h.conns.UpdateConnection(conn)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, updated)
}

func (h *ConnectionsRouter) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.conns.DeleteConnection(chi.URLParam(r, "connID")); err != nil {
		respondError(w, err)
		return
	}
	responses.NoContent(w)
}

func (h *ConnectionsRouter) duplicate(w http.ResponseWriter, r *http.Request) {
	dup, err := h.conns.DuplicateConnection(chi.URLParam(r, "connID"))
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusCreated, dup)
}

type testConnectionResponse struct {
	Success  bool   `json:"success"`
	Endpoint string `json:"endpoint,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *ConnectionsRouter) test(w http.ResponseWriter, r *http.Request) {
	endpoint, err := h.conns.TestConnectionByID(r.Context(), chi.URLParam(r, "connID"))
	h.respondTest(w, endpoint, err)
}

// testDraft probes an unsaved connection payload.
func (h *ConnectionsRouter) testDraft(w http.ResponseWriter, r *http.Request) {
	var conn catalog.Connection
	if err := decodeJSON(r, &conn); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	endpoint, err := h.conns.TestConnection(r.Context(), conn)
	h.respondTest(w, endpoint, err)
}

func (h *ConnectionsRouter) respondTest(w http.ResponseWriter, endpoint catalog.EndpointType, err error) {
	if err != nil {
		if statusFromError(err) == http.StatusNotFound {
			responses.Error(w, http.StatusNotFound, err.Error())
			return
		}
		// An unreachable database is an outcome, not a transport error.
		responses.JSON(w, http.StatusOK, testConnectionResponse{Success: false, Error: err.Error()})
		return
	}
	responses.JSON(w, http.StatusOK, testConnectionResponse{Success: true, Endpoint: string(endpoint)})
}

type bulkTestRequest struct {
	ConnectionIDs []string `json:"connectionIds"`
	MaxConcurrent int      `json:"maxConcurrent,omitempty"`
}

// bulkTest probes many connections in parallel. An empty id list means all.
func (h *ConnectionsRouter) bulkTest(w http.ResponseWriter, r *http.Request) {
	var req bulkTestRequest
	if err := decodeJSON(r, &req); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes := h.conns.BulkTestConnections(r.Context(), req.ConnectionIDs, req.MaxConcurrent)
	responses.JSON(w, http.StatusOK, outcomes)
}

func (h *ConnectionsRouter) duplicateEndpoints(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.conns.DuplicateEndpoints())
}
