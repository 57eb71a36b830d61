package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

const (
	maxSolutions = 10

	sourcePlaybook   = "playbook"
	sourceHistorical = "historical_incident"

	// Confidence assigned when a playbook has no success rate or a past
	// incident recorded no confidence of its own.
	fallbackPlaybookConfidence   = 0.5
	fallbackHistoricalConfidence = 0.7
	unrankedSolution             = 99
)

// SearchPlaybooks returns playbooks whose trigger pattern matches the error,
// highest success rate first. When a service is given and any match is scoped
// to it, only the scoped matches are kept.
func (s *Service) SearchPlaybooks(ctx context.Context, req types.SearchPlaybooksRequest) (*types.PlaybookSearchResult, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	matches, err := s.matchPlaybooks(ctx, req.ErrorMessage, req.ServiceName)
	if err != nil {
		return nil, err
	}
	return &types.PlaybookSearchResult{
		Query:     req.ErrorMessage,
		Total:     len(matches),
		Playbooks: matches,
	}, nil
}

func (s *Service) matchPlaybooks(ctx context.Context, message, service string) ([]*models.Playbook, error) {
	all, err := s.store.ListPlaybooks(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]*models.Playbook, 0)
	for _, pb := range all {
		if triggerMatches(pb.TriggerPattern, message) {
			matches = append(matches, pb)
		}
	}

	if service != "" {
		scoped := make([]*models.Playbook, 0, len(matches))
		for _, pb := range matches {
			if serviceMatches(pb.ServicePattern, service) {
				scoped = append(scoped, pb)
			}
		}
		if len(scoped) > 0 {
			matches = scoped
		}
	}
	return matches, nil
}

// triggerMatches reports whether the trigger regex matches the message, or
// the message appears inside the pattern text. Both are case-insensitive.
func triggerMatches(pattern, message string) bool {
	if pattern == "" || message == "" {
		return false
	}
	if re, err := regexp.Compile("(?i)" + pattern); err == nil && re.MatchString(message) {
		return true
	}
	return strings.Contains(strings.ToLower(pattern), strings.ToLower(message))
}

func serviceMatches(pattern, service string) bool {
	if pattern == "" {
		return true
	}
	if strings.Contains(strings.ToLower(pattern), strings.ToLower(service)) {
		return true
	}
	re, err := regexp.Compile("(?i)" + pattern)
	return err == nil && re.MatchString(service)
}

// FindSimilarIncidents returns closed-out incidents with the same error
// signature as incidentID. The search is scoped to the incident's service
// first and broadened to every service when that finds nothing.
func (s *Service) FindSimilarIncidents(ctx context.Context, incidentID string, limit int) (*types.SimilarIncidentsReport, error) {
	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	similar, broadened, err := s.similarTo(ctx, inc, limit)
	if err != nil {
		return nil, err
	}

	report := &types.SimilarIncidentsReport{
		IncidentID: inc.ID,
		Total:      len(similar),
		Broadened:  broadened,
		Incidents:  make([]types.SimilarIncident, 0, len(similar)),
	}
	for _, past := range similar {
		si := types.SimilarIncident{
			IncidentID:            past.ID,
			ServiceName:           past.ServiceName,
			Severity:              past.Severity,
			ErrorSignature:        past.ErrorSignature,
			ErrorMessage:          past.ErrorMessage,
			RootCause:             past.RootCause,
			ResolutionAction:      past.ResolutionAction,
			ResolutionTimeSeconds: past.ResolutionTimeSeconds,
			OccurredAt:            past.CreatedAt,
			ResolvedAt:            past.ResolvedAt,
		}
		if past.ConfidenceScore > 0 {
			c := past.ConfidenceScore
			si.ConfidenceScore = &c
		}
		report.Incidents = append(report.Incidents, si)
	}
	return report, nil
}

func (s *Service) similarTo(ctx context.Context, inc *models.Incident, limit int) ([]*models.Incident, bool, error) {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	q := db.SimilarQuery{
		Signature:   inc.ErrorSignature,
		ServiceName: inc.ServiceName,
		ExcludeID:   inc.ID,
		Limit:       limit,
	}
	found, err := s.store.FindSimilarIncidents(ctx, q)
	if err != nil {
		return nil, false, fmt.Errorf("find similar incidents: %w", err)
	}
	if len(found) > 0 {
		return found, false, nil
	}

	q.ServiceName = ""
	found, err = s.store.FindSimilarIncidents(ctx, q)
	if err != nil {
		return nil, false, fmt.Errorf("find similar incidents: %w", err)
	}
	return found, true, nil
}

// RecommendedSolutions ranks candidate remediations for an incident from
// matching playbooks and from how similar incidents were resolved.
func (s *Service) RecommendedSolutions(ctx context.Context, incidentID string) (*types.SolutionsReport, error) {
	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	playbooks, err := s.matchPlaybooks(ctx, firstNonEmpty(inc.ErrorMessage, inc.ErrorSignature), inc.ServiceName)
	if err != nil {
		return nil, err
	}
	similar, _, err := s.similarTo(ctx, inc, DefaultSimilarLimit)
	if err != nil {
		return nil, err
	}

	solutions := make([]types.Solution, 0)
	for _, pb := range playbooks {
		conf := pb.SuccessRate / 100
		if pb.SuccessRate <= 0 {
			conf = fallbackPlaybookConfidence
		}
		for _, sol := range pb.Solutions {
			rank := sol.Rank
			if rank <= 0 {
				rank = unrankedSolution
			}
			solutions = append(solutions, types.Solution{
				Source:                        sourcePlaybook,
				SourceName:                    pb.Name,
				ActionType:                    sol.ActionType,
				ActionDetails:                 sol.ActionDetails,
				Prerequisites:                 sol.Prerequisites,
				PostChecks:                    sol.PostChecks,
				ExpectedResolutionTimeMinutes: sol.ExpectedResolutionTimeMinutes,
				SuccessRate:                   pb.SuccessRate,
				Confidence:                    conf,
				Rank:                          rank,
			})
		}
	}

	historical := 0
	for _, past := range similar {
		if past.ResolutionAction == "" {
			continue
		}
		historical++
		conf := past.ConfidenceScore
		if conf <= 0 {
			conf = fallbackHistoricalConfidence
		}
		solutions = append(solutions, types.Solution{
			Source:                        sourceHistorical,
			SourceName:                    "incident " + past.ID,
			ActionType:                    past.ResolutionAction,
			ActionDetails:                 map[string]interface{}{"from_incident": past.ID},
			ExpectedResolutionTimeMinutes: int(past.ResolutionTimeSeconds / 60),
			SuccessRate:                   100,
			Confidence:                    conf,
			Rank:                          1,
		})
	}

	sort.SliceStable(solutions, func(i, j int) bool {
		if solutions[i].Confidence != solutions[j].Confidence {
			return solutions[i].Confidence > solutions[j].Confidence
		}
		return solutions[i].Rank < solutions[j].Rank
	})
	if len(solutions) > maxSolutions {
		solutions = solutions[:maxSolutions]
	}

	return &types.SolutionsReport{
		IncidentID:        inc.ID,
		ServiceName:       inc.ServiceName,
		TotalSolutions:    len(solutions),
		PlaybooksMatched:  len(playbooks),
		HistoricalMatches: historical,
		Solutions:         solutions,
	}, nil
}
