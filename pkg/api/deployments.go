package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/registry"
)

const (
	RequesterHeader = "X-Rollout-Requester"
	defaultLimit    = 20
	maxLimit        = 100
)

type DeploymentHandler struct {
	Tracker Tracker
}

type DeploymentRequest struct {
	Service   string         `json:"service"`
	Requester string         `json:"requester,omitempty"`
	Options   record.Options `json:"options"`
}

type DeploymentResponse struct {
	Message string         `json:"message,omitempty"`
	ID      string         `json:"id,omitempty"`
	Record  *record.Record `json:"record,omitempty"`
}

func (r *DeploymentResponse) render(w http.ResponseWriter, status int) {
	writeJSON(w, status, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Errorf("write response: %s", err)
	}
}

func (r *DeploymentRequest) validate() error {
	if len(r.Service) == 0 {
		return fmt.Errorf("no service specified")
	}
	if len(r.Requester) == 0 {
		return fmt.Errorf("no requester specified; set the requester field or the %s header", RequesterHeader)
	}
	return nil
}

// errorStatus maps tracker errors onto HTTP status codes.
func errorStatus(err error) int {
	var validationErr *registry.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, record.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *DeploymentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(requestLogFields(r))
	response := &DeploymentResponse{}

	request := &DeploymentRequest{}
	err := json.NewDecoder(r.Body).Decode(request)
	if err != nil {
		response.Message = fmt.Sprintf("unable to parse request: %s", err)
		response.render(w, http.StatusBadRequest)
		return
	}
	if len(request.Requester) == 0 {
		request.Requester = r.Header.Get(RequesterHeader)
	}
	err = request.validate()
	if err != nil {
		response.Message = err.Error()
		response.render(w, http.StatusBadRequest)
		return
	}

	id, err := h.Tracker.Deploy(r.Context(), request.Service, request.Requester, request.Options)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			logger.Errorf("deploy %s: %s", request.Service, err)
		}
		response.Message = err.Error()
		response.render(w, status)
		return
	}

	response.ID = id
	response.Message = "deployment queued"
	response.Record, err = h.Tracker.Get(r.Context(), id)
	if err != nil {
		logger.Warnf("read back deployment %s: %s", id, err)
	}
	response.render(w, http.StatusCreated)
}

func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := record.Filter{
		Service:   query.Get("service"),
		Requester: query.Get("requester"),
		Limit:     defaultLimit,
	}

	if active := query.Get("active"); len(active) > 0 {
		b, err := strconv.ParseBool(active)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, &DeploymentResponse{Message: "active must be a boolean"})
			return
		}
		filter.ActiveOnly = b
	}
	if limit := query.Get("limit"); len(limit) > 0 {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > maxLimit {
			writeJSON(w, http.StatusBadRequest, &DeploymentResponse{Message: fmt.Sprintf("limit must be between 1 and %d", maxLimit)})
			return
		}
		filter.Limit = n
	}

	records, err := h.Tracker.List(r.Context(), filter)
	if err != nil {
		log.WithFields(requestLogFields(r)).Errorf("list deployments: %s", err)
		writeJSON(w, http.StatusInternalServerError, &DeploymentResponse{Message: "unable to list deployments"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), &DeploymentResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *DeploymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.Tracker.Cancel(r.Context(), id)
	if err != nil {
		writeJSON(w, errorStatus(err), &DeploymentResponse{Message: err.Error()})
		return
	}
	response := &DeploymentResponse{ID: id, Record: rec, Message: "deployment cancelled"}
	if rec.Status != record.StatusCancelled {
		response.Message = fmt.Sprintf("deployment already ended with status %s", rec.Status)
	}
	response.render(w, http.StatusOK)
}
