package reasoning

import (
	"bytes"
	"encoding/json"
	"text/template"
)

// ─── System prompt ────────────────────────────────────────────────────────────

const systemPrompt = `You are an SRE risk analyst reviewing proposed production remediations.

RULES:
- You advise; a human approves. Never claim an action has been or will be executed.
- Judge only from the facts given. Say so when information is missing.
- Be concise: 3-4 sentences, ending with one of proceed, caution or abort.`

// ─── Recommendation prompt ────────────────────────────────────────────────────

var recommendationTemplate = template.Must(template.New("recommendation").Parse(`Evaluate this proposed remediation:

INCIDENT:
- Service: {{.Service}}
- Error: {{.ErrorMessage}}
- Root Cause: {{if .RootCause}}{{.RootCause}}{{else}}Under investigation{{end}}
- Severity: {{.Severity}}

PROPOSED ACTION: {{.Action}}
DETAILS: {{.DetailsJSON}}

RISK FACTORS:
- Blast radius: {{.BlastRadius}} services affected
- Direct dependents: {{.DependentsJSON}}
- Guardrail status: {{.GuardrailStatus}}
- Safety score: {{.SafetyScore}}

Provide a brief (3-4 sentences) risk assessment and your recommendation (proceed/caution/abort).`))

// RecommendationFacts are the facts a recommendation prompt is rendered from.
type RecommendationFacts struct {
	Service         string
	ErrorMessage    string
	RootCause       string
	Severity        string
	Action          string
	Details         map[string]interface{}
	BlastRadius     int
	Dependents      []string
	GuardrailStatus string
	SafetyScore     float64
}

const maxErrorChars = 300

// RecommendationPrompt renders the user prompt for a recommendation.
func RecommendationPrompt(f RecommendationFacts) (string, error) {
	if len(f.ErrorMessage) > maxErrorChars {
		f.ErrorMessage = f.ErrorMessage[:maxErrorChars]
	}
	details := f.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	deps := f.Dependents
	if deps == nil {
		deps = []string{}
	}
	depsJSON, _ := json.Marshal(deps)

	var buf bytes.Buffer
	err = recommendationTemplate.Execute(&buf, struct {
		RecommendationFacts
		DetailsJSON    string
		DependentsJSON string
	}{f, string(detailsJSON), string(depsJSON)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
