package stage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"strategy-pipeline/internal/models"
)

// StaticBackend answers every role locally without network calls. It keeps
// the pipeline runnable without provider credentials.
type StaticBackend struct{}

const staticReasoning = "Steady rider demand expected here during this window with short pickup times and easy access from the main corridor nearby."

type staticVenue struct {
	Name              string  `json:"name"`
	Address           string  `json:"address"`
	Category          string  `json:"category"`
	DistanceMiles     float64 `json:"distance_miles"`
	DriveTimeMinutes  float64 `json:"drive_time_minutes"`
	EstimatedEarnings float64 `json:"estimated_earnings"`
	Reasoning         string  `json:"reasoning"`
}

// Call implements Backend.
func (StaticBackend) Call(_ context.Context, role string, req Request) (Response, error) {
	switch role {
	case models.StageResearcher:
		return Response{OK: true, Output: "No live research available; assume typical demand for this day part.", Model: "static"}, nil
	case models.StageStrategist:
		return Response{OK: true, Output: "Stay near dense venues, favor short repositioning trips and watch for event let-outs.", Model: "static"}, nil
	case models.StageTactician:
		plan, err := staticPlan(req.UserContext)
		if err != nil {
			return Response{}, err
		}
		return Response{OK: true, Output: plan, Model: "static"}, nil
	case models.StageValidator:
		start := strings.Index(req.UserContext, "{")
		end := strings.LastIndex(req.UserContext, "}")
		if start < 0 || end < start {
			return Response{OK: false, Error: "no plan to validate", Model: "static"}, nil
		}
		return Response{OK: true, Output: req.UserContext[start : end+1], Model: "static"}, nil
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown role %q", role)}, nil
	}
}

// staticPlan builds a plan from the "- name (category) at address" venue
// lines of the tactician prompt, padding with generic venues.
func staticPlan(prompt string) (string, error) {
	var venues []staticVenue
	scanner := bufio.NewScanner(strings.NewReader(prompt))
	for scanner.Scan() && len(venues) < 6 {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		open := strings.Index(line, " (")
		at := strings.Index(line, ") at ")
		if open < 0 || at < open {
			continue
		}
		venues = append(venues, staticVenue{
			Name:     line[:open],
			Category: line[open+2 : at],
			Address:  line[at+5:],
		})
	}
	fallback := []staticVenue{
		{Name: "Downtown Hotel District", Category: "hotel", Address: "100 Main St"},
		{Name: "Convention Center", Category: "events", Address: "650 Commerce St"},
		{Name: "Arts District", Category: "entertainment", Address: "2200 Flora St"},
		{Name: "Medical Center", Category: "hospital", Address: "5200 Harry Hines Blvd"},
	}
	for i := 0; len(venues) < 4; i++ {
		venues = append(venues, fallback[i])
	}
	for i := range venues {
		venues[i].DistanceMiles = 1.5 + float64(i)
		venues[i].DriveTimeMinutes = 5 + 3*float64(i)
		venues[i].EstimatedEarnings = 18 - 2*float64(i)
		venues[i].Reasoning = staticReasoning
	}
	plan := map[string]any{
		"staging_area": map[string]string{
			"name":      "Central staging lot",
			"address":   venues[0].Address,
			"reasoning": "Central to every recommended venue.",
		},
		"venues": venues,
	}
	out, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal static plan: %w", err)
	}
	return string(out), nil
}
