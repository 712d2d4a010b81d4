package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/witlox/breakglass/internal/audit"
	apierrors "github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// handleError writes appropriate error response based on error type.
func handleError(w http.ResponseWriter, err error) {
	var (
		validation *apierrors.ValidationError
		partial    *apierrors.RevocationPartialFailureError
		rotation   *apierrors.RotationUnavailableError
	)
	switch {
	case errors.Is(err, apierrors.ErrNotFound), errors.Is(err, apierrors.ErrUnknownIncident):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &validation), errors.Is(err, apierrors.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, apierrors.ErrInvalidTransition), errors.Is(err, apierrors.ErrConflict):
		writeJSONError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.As(err, &partial):
		writeJSONError(w, http.StatusBadGateway, "REVOCATION_INCOMPLETE", err.Error())
	case errors.As(err, &rotation):
		writeJSONError(w, http.StatusAccepted, "ROTATION_PENDING", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// IncidentHandler handles incident endpoints.
type IncidentHandler struct {
	service IncidentService
}

// NewIncidentHandler creates a new incident handler.
func NewIncidentHandler(service IncidentService) *IncidentHandler {
	return &IncidentHandler{service: service}
}

// List handles GET /api/v1/incidents.
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	var statuses []models.IncidentStatus
	for _, s := range r.URL.Query()["status"] {
		status := models.IncidentStatus(s)
		if !status.Valid() {
			writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "unknown status "+strconv.Quote(s))
			return
		}
		statuses = append(statuses, status)
	}

	incidents, err := h.service.Status(r.Context(), statuses...)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"total":     len(incidents),
	})
}

// Get handles GET /api/v1/incidents/{id}.
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.service.Incident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// Revoke handles POST /api/v1/incidents/{id}/revoke.
func (h *IncidentHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	inc, err := h.service.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// Rotate handles POST /api/v1/incidents/{id}/rotate.
func (h *IncidentHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Rotate(r.Context(), chi.URLParam(r, "id"))
	var unavailable *apierrors.RotationUnavailableError
	if err != nil && !(errors.As(err, &unavailable) && result != nil) {
		handleError(w, err)
		return
	}
	status := http.StatusOK
	if result.Status == models.RotationStatusManualRequired {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// AuditHandler handles audit endpoints.
type AuditHandler struct {
	service audit.Service
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(service audit.Service) *AuditHandler {
	return &AuditHandler{service: service}
}

// Query handles GET /api/v1/audit.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	params, err := queryParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	events, err := h.service.Query(r.Context(), params)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// Export handles GET /api/v1/audit/export?format=json|csv.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	params, err := queryParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	format := audit.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}
	if format != audit.ExportFormatJSON && format != audit.ExportFormatCSV {
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "format must be json or csv")
		return
	}

	data, err := h.service.Export(r.Context(), audit.ExportRequest{Query: params, Format: format})
	if err != nil {
		handleError(w, err)
		return
	}
	if format == audit.ExportFormatCSV {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Verify handles GET /api/v1/audit/verify.
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.VerifyIntegrity(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func queryParams(r *http.Request) (audit.QueryParams, error) {
	q := r.URL.Query()
	params := audit.QueryParams{
		IncidentID: q.Get("incident_id"),
		Kind:       models.AuditEventKind(q.Get("kind")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errors.New("since must be an RFC 3339 timestamp")
		}
		params.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errors.New("until must be an RFC 3339 timestamp")
		}
		params.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return params, errors.New("limit must be a non-negative integer")
		}
		params.Limit = n
	}
	return params, nil
}
