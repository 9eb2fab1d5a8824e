package rpcserver

import (
	"net/http"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/responses"

	"github.com/go-chi/chi/v5"
)

// SettingsService is the slice of the scheduler the settings router depends
// on: global tuning plus the taxonomy lists that feed the UI pickers.
type SettingsService interface {
	GetSettings() catalog.Settings
	UpdateSettings(settings catalog.Settings) (catalog.Settings, error)

	AddFinancialYear(year string) error
	DeleteFinancialYear(year string) error
	AddPartner(name string) error
	DeletePartner(name string) error
	AddJobGroup(name string) error
	DeleteJobGroup(name string) error

	AddStore(store catalog.Store) (catalog.Store, error)
	UpdateStore(store catalog.Store) (catalog.Store, error)
	DeleteStore(id string) error
	AddOperator(op catalog.Operator) (catalog.Operator, error)
	UpdateOperator(op catalog.Operator) (catalog.Operator, error)
	DeleteOperator(id string) error
	AddNotificationChannel(ch catalog.NotificationChannel) (catalog.NotificationChannel, error)
	UpdateNotificationChannel(ch catalog.NotificationChannel) (catalog.NotificationChannel, error)
	DeleteNotificationChannel(id string) error
}

// SettingsRouter serves the settings document and taxonomy CRUD.
type SettingsRouter struct {
	settings SettingsService
}

// NewSettingsRouter creates the settings resource router.
func NewSettingsRouter(settings SettingsService) *SettingsRouter {
	return &SettingsRouter{settings: settings}
}

// Register mounts the routes.
func (h *SettingsRouter) Register(r chi.Router) {
	r.Route("/api/v1/settings", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)

		r.Post("/financial-years", h.addValue(h.settings.AddFinancialYear))
		r.Delete("/financial-years/{value}", h.deleteValue(h.settings.DeleteFinancialYear))
		r.Post("/partners", h.addValue(h.settings.AddPartner))
		r.Delete("/partners/{value}", h.deleteValue(h.settings.DeletePartner))
		r.Post("/job-groups", h.addValue(h.settings.AddJobGroup))
		r.Delete("/job-groups/{value}", h.deleteValue(h.settings.DeleteJobGroup))

		r.Post("/stores", h.addStore)
		r.Put("/stores/{id}", h.updateStore)
		r.Delete("/stores/{id}", h.deleteByID(h.settings.DeleteStore))
		r.Post("/operators", h.addOperator)
		r.Put("/operators/{id}", h.updateOperator)
		r.Delete("/operators/{id}", h.deleteByID(h.settings.DeleteOperator))
		r.Post("/notification-channels", h.addChannel)
		r.Put("/notification-channels/{id}", h.updateChannel)
		r.Delete("/notification-channels/{id}", h.deleteByID(h.settings.DeleteNotificationChannel))
	})
}

func (h *SettingsRouter) get(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.settings.GetSettings())
}

func (h *SettingsRouter) update(w http.ResponseWriter, r *http.Request) {
	var settings catalog.Settings
	if err := decodeJSON(r, &settings); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.settings.UpdateSettings(settings)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, updated)
}

type taxonomyValueRequest struct {
	Value string `json:"value"`
}

// addValue adapts the plain-string taxonomy lists (financial years, partners,
// job groups) to one handler shape.
func (h *SettingsRouter) addValue(add func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taxonomyValueRequest
		if err := decodeJSON(r, &req); err != nil {
			responses.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := add(req.Value); err != nil {
			respondError(w, err)
			return
		}
		responses.JSON(w, http.StatusCreated, req)
	}
}

func (h *SettingsRouter) deleteValue(del func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := del(chi.URLParam(r, "value")); err != nil {
			respondError(w, err)
			return
		}
		responses.NoContent(w)
	}
}

func (h *SettingsRouter) deleteByID(del func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := del(chi.URLParam(r, "id")); err != nil {
			respondError(w, err)
			return
		}
		responses.NoContent(w)
	}
}

func (h *SettingsRouter) addStore(w http.ResponseWriter, r *http.Request) {
	var store catalog.Store
	if err := decodeJSON(r, &store); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.settings.AddStore(store)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusCreated, created)
}

func (h *SettingsRouter) updateStore(w http.ResponseWriter, r *http.Request) {
	var store catalog.Store
	if err := decodeJSON(r, &store); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	store.ID = chi.URLParam(r, "id")

	updated, err := h.settings.UpdateStore(store)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, updated)
}

func (h *SettingsRouter) addOperator(w http.ResponseWriter, r *http.Request) {
	var op catalog.Operator
	if err := decodeJSON(r, &op); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.settings.AddOperator(op)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusCreated, created)
}

func (h *SettingsRouter) updateOperator(w http.ResponseWriter, r *http.Request) {
	var op catalog.Operator
	if err := decodeJSON(r, &op); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	op.ID = chi.URLParam(r, "id")

	updated, err := h.settings.UpdateOperator(op)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, updated)
}

func (h *SettingsRouter) addChannel(w http.ResponseWriter, r *http.Request) {
	var ch catalog.NotificationChannel
	if err := decodeJSON(r, &ch); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.settings.AddNotificationChannel(ch)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusCreated, created)
}

func (h *SettingsRouter) updateChannel(w http.ResponseWriter, r *http.Request) {
	var ch catalog.NotificationChannel
	if err := decodeJSON(r, &ch); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ch.ID = chi.URLParam(r, "id")

	updated, err := h.settings.UpdateNotificationChannel(ch)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, updated)
}
