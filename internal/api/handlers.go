package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/dispatch"
	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// EmergencyServicesHint is returned when an alert cannot be sent at all.
const EmergencyServicesHint = "Call emergency services directly."

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// alertErrorResponse maps a dispatch failure to a status code and envelope.
func alertErrorResponse(alert models.SOSAlert, err error) (int, models.APIResponse) {
	var (
		deliveryErr *dispatch.DeliveryError
		locErr      *models.LocationError
	)
	switch {
	case errors.Is(err, dispatch.ErrLocationUnavailable):
		resp := models.ErrorWithHint("Unable to determine your location", EmergencyServicesHint)
		if errors.As(err, &locErr) && locErr.Hint != "" {
			resp.Hint = locErr.Hint + " " + EmergencyServicesHint
		}
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, dispatch.ErrNoRecipients):
		resp := models.ErrorWithHint("No emergency contacts can receive this alert", "Add an emergency contact first.")
		resp.Result = alert
		return http.StatusUnprocessableEntity, resp
	case errors.As(err, &deliveryErr):
		resp := models.ErrorWithHint("Alert could not be delivered", EmergencyServicesHint)
		resp.Result = alert
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, models.Error("Failed to send alert")
	}
}

func alertSuccessMessage(alert models.SOSAlert) string {
	if alert.UsingFallback {
		return "Alert sent via fallback channel"
	}
	return "Alert sent"
}

func (s *Server) sosHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.sosHandler", http.MethodPost) {
		return
	}
	slog.Info("Server.sosHandler: SOS requested", "remote", r.RemoteAddr)

	alert, err := s.engine.TriggerSOS(r.Context())
	if err != nil {
		slog.Error("Server.sosHandler: SOS failed", "error", err, "alert_id", alert.ID)
		status, resp := alertErrorResponse(alert, err)
		writeJSONResponse(w, status, resp)
		return
	}

	slog.Info("Server.sosHandler: SOS dispatched", "alert_id", alert.ID, "recipients", len(alert.Contacts), "fallback", alert.UsingFallback)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(alertSuccessMessage(alert), alert))
}

func (s *Server) checkInHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.checkInHandler", http.MethodPost) {
		return
	}

	alert, err := s.engine.CheckIn(r.Context())
	if err != nil {
		slog.Error("Server.checkInHandler: check-in failed", "error", err)
		status, resp := alertErrorResponse(alert, err)
		writeJSONResponse(w, status, resp)
		return
	}

	slog.Debug("Server.checkInHandler: check-in sent", "alert_id", alert.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(alertSuccessMessage(alert), alert))
}

func (s *Server) circleStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.circleStatusHandler", http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.CircleStatus()))
}

func (s *Server) circleActivateHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.circleActivateHandler", http.MethodPost) {
		return
	}

	activated, err := s.engine.ActivateCircle(r.Context())
	session := s.engine.CircleStatus()
	if err != nil && !activated {
		slog.Error("Server.circleActivateHandler: activation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to activate emergency circle"))
		return
	}
	if err != nil {
		// Session is live; only the first broadcast failed.
		slog.Warn("Server.circleActivateHandler: initial broadcast failed", "error", err)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Emergency circle active; initial broadcast failed", session))
		return
	}
	if !activated {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Emergency circle already active", session))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Emergency circle activated", session))
}

func (s *Server) circleDeactivateHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.circleDeactivateHandler", http.MethodPost) {
		return
	}

	deactivated, err := s.engine.DeactivateCircle(r.Context())
	session := s.engine.CircleStatus()
	if err != nil {
		if deactivated {
			slog.Warn("Server.circleDeactivateHandler: safe arrival message failed", "error", err)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Emergency circle deactivated; safe arrival message failed", session))
			return
		}
		slog.Error("Server.circleDeactivateHandler: deactivation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to deactivate emergency circle"))
		return
	}
	if !deactivated {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Emergency circle not active", session))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Emergency circle deactivated", session))
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.alertsHandler", http.MethodGet) {
		return
	}
	alerts := s.engine.Alerts()
	if alerts == nil {
		alerts = []models.SOSAlert{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

func (s *Server) contactsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.contactsHandler", http.MethodGet, http.MethodPut) {
		return
	}

	if r.Method == http.MethodGet {
		contacts, err := s.engine.Contacts(r.Context())
		if err != nil {
			slog.Error("Server.contactsHandler: failed to load contacts", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load contacts"))
			return
		}
		if contacts == nil {
			contacts = []models.EmergencyContact{}
		}
		writeJSONResponse(w, http.StatusOK, models.Success(contacts))
		return
	}

	var contacts []models.EmergencyContact
	if !decodeJSONBody(w, r, "Server.contactsHandler", &contacts) {
		return
	}
	if err := s.engine.SetContacts(r.Context(), contacts); err != nil {
		if models.IsValidationError(err) {
			slog.Warn("Server.contactsHandler: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.contactsHandler: failed to save contacts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save contacts"))
		return
	}
	slog.Info("Server.contactsHandler: contacts updated", "count", len(contacts))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contacts updated", contacts))
}

func (s *Server) zonesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.zonesHandler", http.MethodGet, http.MethodPut) {
		return
	}

	if r.Method == http.MethodGet {
		zones := s.engine.Zones()
		if zones == nil {
			zones = []models.DangerZone{}
		}
		writeJSONResponse(w, http.StatusOK, models.Success(zones))
		return
	}

	var zones []models.DangerZone
	if !decodeJSONBody(w, r, "Server.zonesHandler", &zones) {
		return
	}
	if err := s.engine.SetZones(r.Context(), zones); err != nil {
		if models.IsValidationError(err) {
			slog.Warn("Server.zonesHandler: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.zonesHandler: failed to save zones", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save zones"))
		return
	}
	slog.Info("Server.zonesHandler: zones updated", "count", len(zones))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Zones updated", zones))
}

func (s *Server) locationHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.locationHandler", http.MethodGet) {
		return
	}

	sample, err := s.engine.Location(r.Context())
	if err != nil {
		var locErr *models.LocationError
		if errors.As(err, &locErr) {
			slog.Warn("Server.locationHandler: location unavailable", "kind", locErr.Kind, "error", err)
			resp := models.ErrorWithHint(locErr.Message, locErr.Hint)
			resp.Result = locErr
			writeJSONResponse(w, http.StatusServiceUnavailable, resp)
			return
		}
		slog.Error("Server.locationHandler: failed to acquire location", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to acquire location"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sample))
}

type announceRequest struct {
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

func (s *Server) announceHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.announceHandler", http.MethodPost) {
		return
	}

	var req announceRequest
	if !decodeJSONBody(w, r, "Server.announceHandler", &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyAnnouncement.Error()))
		return
	}
	priority := models.PriorityLow
	if req.Priority != "" {
		p, err := models.ParsePriority(req.Priority)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		priority = p
	}

	if !s.engine.Announce(req.Text, priority) {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Announcement dropped", map[string]bool{"queued": false}))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Announcement queued", map[string]bool{"queued": true}))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, "Server.healthHandler", http.MethodGet) {
		return
	}

	h := s.engine.Health()
	inside := h.InsideZones
	if inside == nil {
		inside = []string{}
	}
	healthData := map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"circle_active":     h.CircleActive,
		"zones":             h.Zones,
		"inside_zones":      inside,
		"alerts":            h.Alerts,
		"location_failures": h.LocationFailures,
		"scheduled_jobs":    h.ScheduledJobs,
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}

// decodeJSONBody decodes r's body into v, writing a 400 on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, handler string, v interface{}) bool {
	if r.Body == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Request body required"))
		return false
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		slog.Warn(handler+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}
