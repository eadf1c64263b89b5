package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// Template variable names.
const (
	VarUserName       = "userName"
	VarLocation       = "location"
	VarTime           = "time"
	VarGoogleMapsLink = "googleMapsLink"
	VarRiskLevel      = "riskLevel"
	VarIncidentCount  = "incidentCount"
	VarZoneName       = "zoneName"
	VarUpdateInterval = "updateInterval"
)

// DefaultUpdateInterval is the circle update period shown when none is supplied.
const DefaultUpdateInterval = 5 * time.Minute

// DefaultUserName is used when no profile name is configured.
const DefaultUserName = "Your contact"

const timeLayout = "02 Jan 2006 15:04 MST"

var templates = map[models.AlertType]string{
	models.AlertTypeSOS: "URGENT EMERGENCY ALERT\n\n" +
		"{userName} is in immediate danger and needs help!\n\n" +
		"Current location:\n{location}\n" +
		"Time: {time}\n" +
		"Live location: {googleMapsLink}\n\n" +
		"PLEASE RESPOND IMMEDIATELY OR CALL EMERGENCY SERVICES",
	models.AlertTypeDangerZone: "DANGER ZONE ALERT\n\n" +
		"{userName} has entered a high-risk area: {zoneName}\n\n" +
		"Location: {location}\n" +
		"Risk level: {riskLevel}\n" +
		"Time: {time}\n" +
		"Recent incidents: {incidentCount}\n" +
		"Track: {googleMapsLink}\n\n" +
		"Please check on them immediately.",
	models.AlertTypeEmergencyCircleUpdate: "Emergency Circle Update\n\n" +
		"Current location: {location}\n" +
		"Time: {time}\n" +
		"{googleMapsLink}",
	models.AlertTypeSafeArrival: "SAFE ARRIVAL CONFIRMED\n\n" +
		"{userName} has reached their destination safely:\n\n" +
		"{location}\n" +
		"{time}\n\n" +
		"Emergency circle deactivated.",
	models.AlertTypeCheckIn: "Check-in\n\n" +
		"{userName} checked in.\n\n" +
		"Location: {location}\n" +
		"Time: {time}\n" +
		"{googleMapsLink}",
}

// circleActivatedTemplate is used for the initial circle broadcast.
const circleActivatedTemplate = "EMERGENCY CIRCLE ACTIVATED\n\n" +
	"{userName} is sharing live location with their emergency circle.\n\n" +
	"Current: {location}\n" +
	"Started: {time}\n" +
	"Updates every {updateInterval}\n" +
	"Live tracking: {googleMapsLink}\n\n" +
	"Stay alert until the all-clear signal."

// GoogleMapsLink returns a map link for the sample's coordinates.
func GoogleMapsLink(loc models.LocationSample) string {
	return fmt.Sprintf("https://maps.google.com/maps?q=%s,%s",
		strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
		strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
}

// FormatLocation returns the address when known, otherwise the coordinates.
func FormatLocation(loc models.LocationSample) string {
	if loc.Address != "" {
		return loc.Address
	}
	return fmt.Sprintf("%.6f, %.6f", loc.Latitude, loc.Longitude)
}

// FormatInterval renders d for message text, e.g. "5 minutes" or "90 seconds".
func FormatInterval(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return plural(int(d/time.Minute), "minute")
	}
	return plural(int(d.Round(time.Second)/time.Second), "second")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// ZoneVars returns the template variables describing a danger zone.
func ZoneVars(zone models.DangerZone) map[string]string {
	return map[string]string{
		VarZoneName:      zone.Name,
		VarRiskLevel:     strings.ToUpper(string(zone.RiskLevel)),
		VarIncidentCount: strconv.Itoa(zone.ReportCount),
	}
}

// Render fills the template for alertType. Caller-supplied vars override the defaults.
func Render(alertType models.AlertType, initial bool, userName string, loc models.LocationSample, at time.Time, vars map[string]string) string {
	tmpl := templates[alertType]
	if alertType == models.AlertTypeEmergencyCircleUpdate && initial {
		tmpl = circleActivatedTemplate
	}
	if userName == "" {
		userName = DefaultUserName
	}
	values := map[string]string{
		VarUserName:       userName,
		VarLocation:       FormatLocation(loc),
		VarTime:           at.Format(timeLayout),
		VarGoogleMapsLink: GoogleMapsLink(loc),
		VarRiskLevel:      "",
		VarIncidentCount:  "",
		VarZoneName:       "",
		VarUpdateInterval: FormatInterval(DefaultUpdateInterval),
	}
	for k, v := range vars {
		values[k] = v
	}
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
