package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/engine"
	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/release"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

type Handler struct {
	engine       *engine.Engine
	policies     config.Environments
	environments environment.Store
	deployments  engine.DeploymentStore
	recorder     recorder.Recorder
}

type ErrorResponse struct {
	Message string `json:"message"`
}

type AbortRequest struct {
	Reason string `json:"reason"`
}

func respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := log.WithFields(RequestLogFields(r))
	if status >= http.StatusInternalServerError {
		logger.Error(err)
	} else {
		logger.Debug(err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Message: err.Error()})
}

// errorStatus maps an operation error to the HTTP status presented to the caller.
func errorStatus(err error) int {
	var e *release.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case release.InvalidInvocation:
		return http.StatusBadRequest
	case release.EnvironmentLocked:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.environments.Environments(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, fmt.Errorf("list environments: %w", err))
		return
	}
	render.JSON(w, r, envs)
}

func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := h.policies.Lookup(name); err != nil {
		respondError(w, r, http.StatusNotFound, err)
		return
	}

	status, err := h.engine.Status(r.Context(), name)
	if err != nil {
		respondError(w, r, errorStatus(err), err)
		return
	}
	render.JSON(w, r, status)
}

func parseFilter(r *http.Request) (recorder.Filter, error) {
	query := r.URL.Query()
	filter := recorder.Filter{
		ArtifactID:  query.Get("artifact"),
		Environment: query.Get("environment"),
		Order:       recorder.Descending,
		Limit:       defaultRecordLimit,
	}

	for _, value := range query["outcome"] {
		for _, outcome := range strings.Split(value, ",") {
			switch o := release.Outcome(outcome); o {
			case release.OutcomeFinalized, release.OutcomeRolledBack, release.OutcomeRejected:
				filter.Outcomes = append(filter.Outcomes, o)
			default:
				return filter, fmt.Errorf("unknown outcome %q", outcome)
			}
		}
	}

	switch query.Get("order") {
	case "", "desc":
	case "asc":
		filter.Order = recorder.Ascending
	default:
		return filter, fmt.Errorf("order must be 'asc' or 'desc'")
	}

	if limit := query.Get("limit"); len(limit) > 0 {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > maxRecordLimit {
			return filter, fmt.Errorf("limit must be a number between 1 and %d", maxRecordLimit)
		}
		filter.Limit = n
	}

	return filter, nil
}

func (h *Handler) Records(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err)
		return
	}

	records, err := recorder.Collect(h.recorder.Query(r.Context(), filter))
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, fmt.Errorf("query records: %w", err))
		return
	}
	render.JSON(w, r, records)
}

func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	request := AbortRequest{}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("unable to decode request body: %w", err))
		return
	}

	_, err := h.deployments.Deployment(r.Context(), id)
	if engine.IsErrNotFound(err) {
		respondError(w, r, http.StatusNotFound, fmt.Errorf("deployment %s does not exist", id))
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	d, err := h.engine.Abort(r.Context(), id, request.Reason)
	if err != nil {
		respondError(w, r, errorStatus(err), err)
		return
	}

	log.WithFields(RequestLogFields(r)).WithField("deployment", id).Infof("Deployment aborted: %s", request.Reason)
	render.JSON(w, r, d)
}
