package pipeline

import (
	"fmt"
	"strings"

	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/stage"
)

// researchPlaceholder stands in for a failed or skipped research stage.
const researchPlaceholder = "Research unavailable for this window."

const (
	researcherSystem = "You are a local market researcher for rideshare drivers. Report concrete, time-bound facts with sources."
	strategistSystem = "You are a rideshare strategy expert analyzing current market conditions."
	tacticianSystem  = "You are a tactical planning expert creating specific venue recommendations. Reply with JSON only."
	validatorSystem  = "You are a quality assurance validator for rideshare recommendations. Reply with the corrected JSON plan only."
)

func snapshotLines(s models.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Location: %s\n", orUnknown(s.FormattedAddress))
	fmt.Fprintf(&b, "- City: %s, %s\n", orUnknown(s.City), orUnknown(s.State))
	fmt.Fprintf(&b, "- GPS: %.5f, %.5f\n", s.Lat, s.Lng)
	local := "Unknown"
	if !s.LocalTime.IsZero() {
		local = s.LocalTime.Format("Monday 3:04 PM")
	}
	fmt.Fprintf(&b, "- Time: %s (%s)\n", local, orUnknown(s.DayPart))
	if s.Weather != nil {
		fmt.Fprintf(&b, "- Weather: %s, %.0f°F\n", orUnknown(s.Weather.Conditions), s.Weather.TempF)
	}
	if s.AirQuality != nil {
		fmt.Fprintf(&b, "- Air quality: AQI %d (%s)\n", s.AirQuality.AQI, orUnknown(s.AirQuality.Category))
	}
	return b.String()
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "Unknown"
	}
	return v
}

func researcherRequest(s models.Snapshot) stage.Request {
	return stage.Request{
		SystemContext: researcherSystem,
		UserContext: "DRIVER CONTEXT:\n" + snapshotLines(s) +
			"\nTASK:\nList events, closures, airport activity and demand drivers affecting rideshare demand near this location in the next hour.",
	}
}

func strategistRequest(s models.Snapshot) stage.Request {
	return stage.Request{
		SystemContext: strategistSystem,
		UserContext: "DRIVER CONTEXT:\n" + snapshotLines(s) + `
TASK:
Analyze the current market conditions and provide strategic recommendations for maximizing driver earnings.

Include:
1. Market overview (demand patterns, surge likelihood)
2. Strategic insights (why certain areas are hot, timing considerations)
3. Pro tips (specific actionable advice)
4. Earnings estimate (hourly potential based on conditions)

Write 200-300 words of actionable strategic analysis.`,
	}
}

const planFormat = `{
  "staging_area": {"name": "string", "address": "string", "reasoning": "string"},
  "venues": [
    {"name": "string", "address": "string", "category": "string", "distance_miles": 0, "drive_time_minutes": 0, "estimated_earnings": 0, "reasoning": "string"}
  ]
}`

func tacticianRequest(s models.Snapshot, strategy, research string, catalog []models.Venue) stage.Request {
	var venues strings.Builder
	if len(catalog) == 0 {
		venues.WriteString("No catalog venues available - generate from GPS coordinates\n")
	}
	for _, v := range catalog {
		category := v.Category
		if category == "" {
			category = "venue"
		}
		fmt.Fprintf(&venues, "- %s (%s) at %s\n", v.Name, category, v.Address)
	}
	return stage.Request{
		SystemContext: tacticianSystem,
		UserContext: "STRATEGIC ANALYSIS:\n" + strategy +
			"\n\nRESEARCH BRIEFING:\n" + research +
			"\n\nDRIVER CONTEXT:\n" + snapshotLines(s) +
			"\nAVAILABLE VENUES:\n" + venues.String() + `
TASK:
Create a tactical plan with 4-6 specific venue recommendations.

REQUIREMENTS:
1. If catalog venues are available, select from the list above
2. Staging area must be centrally positioned (1-2 min drive to all venues)
3. Spread venues 2-3 minutes apart
4. Give each venue at least 15 words of reasoning

Respond with JSON:
` + planFormat,
		ExtraParams: map[string]any{"json": true},
	}
}

// validatorRequest embeds the plan as the only JSON object in the prompt.
func validatorRequest(s models.Snapshot, planJSON string, minVenues int) stage.Request {
	return stage.Request{
		SystemContext: validatorSystem,
		UserContext: "DRIVER CONTEXT:\n" + snapshotLines(s) +
			"\nTACTICAL PLAN:\n" + planJSON + fmt.Sprintf(`

VALIDATION TASKS:
1. Check JSON structure (all required fields present)
2. Verify venue count (minimum %d venues)
3. Validate addresses (must be specific, not generic)
4. Check distance calculations (reasonable estimates)
5. Ensure reasoning is detailed (at least 15 words per venue)

Respond with the validated and corrected JSON plan in the exact same format.`, minVenues),
		ExtraParams: map[string]any{"json": true},
	}
}
