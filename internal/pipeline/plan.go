package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/stage"
)

// MinReasoningWords is the least number of words each venue's reasoning must carry.
const MinReasoningWords = 15

// Plan is the tactical plan produced by the tactician and corrected by the validator.
type Plan struct {
	StagingArea *models.StagingArea `json:"staging_area"`
	Venues      []PlanVenue         `json:"venues"`
}

// PlanVenue is one recommended venue.
type PlanVenue struct {
	Name              string   `json:"name"`
	Address           string   `json:"address"`
	Category          string   `json:"category"`
	DistanceMiles     float64  `json:"distance_miles"`
	DriveTimeMinutes  float64  `json:"drive_time_minutes"`
	EstimatedEarnings *float64 `json:"estimated_earnings,omitempty"`
	Reasoning         string   `json:"reasoning"`
	Lat               *float64 `json:"lat,omitempty"`
	Lng               *float64 `json:"lng,omitempty"`
	PlaceID           string   `json:"place_id,omitempty"`
}

const planSchemaJSON = `{
  "type": "object",
  "required": ["staging_area", "venues"],
  "properties": {
    "staging_area": {
      "type": "object",
      "required": ["name", "address"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "address": {"type": "string", "minLength": 1},
        "reasoning": {"type": "string"}
      }
    },
    "venues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "address", "category", "distance_miles", "drive_time_minutes", "reasoning"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "address": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "distance_miles": {"type": "number", "minimum": 0},
          "drive_time_minutes": {"type": "number", "minimum": 0},
          "estimated_earnings": {"type": "number", "minimum": 0},
          "reasoning": {"type": "string"},
          "lat": {"type": "number"},
          "lng": {"type": "number"},
          "place_id": {"type": "string"}
        }
      }
    }
  }
}`

var planSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(planSchemaJSON))
})

// extractJSON strips code fences and surrounding prose from a model reply.
func extractJSON(raw string) string {
	text := stage.CleanJSONBlock(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// ParsePlan decodes a plan from a model reply. It only requires the reply to
// be a plan with at least one venue; CheckPlan enforces the full invariants.
func ParsePlan(raw string) (Plan, string, error) {
	body := extractJSON(raw)
	if body == "" {
		return Plan{}, "", &apperr.ValidationError{Subject: "plan", Issues: []string{"no JSON object in reply"}}
	}
	var p Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Plan{}, "", &apperr.ValidationError{Subject: "plan", Issues: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}
	if len(p.Venues) == 0 {
		return Plan{}, "", &apperr.ValidationError{Subject: "plan", Issues: []string{"plan has no venues"}}
	}
	return p, body, nil
}

// CheckPlan validates a plan document against the schema and the content
// invariants. It returns every issue found.
func CheckPlan(body string, minVenues int) []string {
	schema, err := planSchema()
	if err != nil {
		return []string{fmt.Sprintf("plan schema: %v", err)}
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return []string{fmt.Sprintf("malformed JSON: %v", err)}
	}
	var issues []string
	for _, e := range res.Errors() {
		issues = append(issues, e.String())
	}
	if len(issues) > 0 {
		return issues
	}

	var p Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return []string{fmt.Sprintf("malformed JSON: %v", err)}
	}
	if len(p.Venues) < minVenues {
		issues = append(issues, fmt.Sprintf("venues: need at least %d, got %d", minVenues, len(p.Venues)))
	}
	for i, v := range p.Venues {
		if n := len(strings.Fields(v.Reasoning)); n < MinReasoningWords {
			issues = append(issues, fmt.Sprintf("venues.%d.reasoning: %d words, need %d", i, n, MinReasoningWords))
		}
	}
	if p.StagingArea == nil || strings.TrimSpace(p.StagingArea.Name) == "" {
		issues = append(issues, "staging_area: required")
	}
	return issues
}

// Candidates converts plan venues into candidates for jobID.
func (p Plan) Candidates(jobID, city string) []models.VenueCandidate {
	out := make([]models.VenueCandidate, 0, len(p.Venues))
	for _, v := range p.Venues {
		out = append(out, models.VenueCandidate{
			JobID:             jobID,
			Name:              strings.TrimSpace(v.Name),
			Address:           strings.TrimSpace(v.Address),
			City:              city,
			Category:          v.Category,
			Lat:               v.Lat,
			Lng:               v.Lng,
			PlaceID:           v.PlaceID,
			DistanceMiles:     v.DistanceMiles,
			DriveMinutes:      v.DriveTimeMinutes,
			EstimatedEarnings: v.EstimatedEarnings,
			Reasoning:         v.Reasoning,
		})
	}
	return out
}
