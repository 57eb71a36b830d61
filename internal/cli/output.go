package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/risk"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The request was refused (blocked action, invalid state, validation)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, store unavailable)
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer writes command results as JSON or as human-readable text.
type printer struct {
	format string
	w      io.Writer
}

// emit writes data as indented JSON, or calls text in text mode.
func (p *printer) emit(data interface{}, text func(w io.Writer)) error {
	if p.format == FormatJSON {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(p.w)
	return nil
}

func table(w io.Writer, header string, rows func(tw *tabwriter.Writer)) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	_ = tw.Flush()
}

func severityString(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return color.RedString(string(s))
	case models.SeverityHigh:
		return color.YellowString(string(s))
	}
	return string(s)
}

func statusString(s policy.OverallStatus) string {
	switch s {
	case policy.StatusApproved:
		return color.GreenString(string(s))
	case policy.StatusRequiresApproval:
		return color.YellowString(string(s))
	}
	return color.RedString(string(s))
}

func verdictString(v risk.Verdict) string {
	switch v {
	case risk.VerdictRecommended:
		return color.GreenString(string(v))
	case risk.VerdictCaution:
		return color.YellowString(string(v))
	}
	return color.RedString(string(v))
}

func printIncident(w io.Writer, inc *models.Incident) {
	fmt.Fprintf(w, "Incident %s\n", inc.ID)
	fmt.Fprintf(w, "  Service:   %s\n", inc.ServiceName)
	fmt.Fprintf(w, "  Severity:  %s\n", severityString(inc.Severity))
	fmt.Fprintf(w, "  Status:    %s\n", inc.Status)
	fmt.Fprintf(w, "  Signature: %s\n", inc.ErrorSignature)
	fmt.Fprintf(w, "  Message:   %s\n", inc.ErrorMessage)
	fmt.Fprintf(w, "  Region:    %s (%s)\n", inc.Region, inc.Environment)
	if inc.RootCause != "" {
		fmt.Fprintf(w, "  Root cause: %s\n", inc.RootCause)
	}
	if inc.ResolutionNotes != "" {
		fmt.Fprintf(w, "  Notes:     %s\n", inc.ResolutionNotes)
	}
}

func printIncidents(w io.Writer, incs []*models.Incident) {
	if len(incs) == 0 {
		fmt.Fprintln(w, "No incidents.")
		return
	}
	table(w, "ID\tSERVICE\tSEVERITY\tSTATUS\tSIGNATURE\tCREATED", func(tw *tabwriter.Writer) {
		for _, inc := range incs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				inc.ID, inc.ServiceName, inc.Severity, inc.Status, inc.ErrorSignature,
				inc.CreatedAt.Format("2006-01-02 15:04"))
		}
	})
}

func printEntry(w io.Writer, e *models.AuditLogEntry) {
	fmt.Fprintf(w, "Action %s\n", e.ID)
	fmt.Fprintf(w, "  Type:     %s\n", e.ActionType)
	fmt.Fprintf(w, "  Status:   %s\n", e.Status)
	if e.IncidentID != "" {
		fmt.Fprintf(w, "  Incident: %s\n", e.IncidentID)
	}
	if e.ServiceName != "" {
		fmt.Fprintf(w, "  Service:  %s\n", e.ServiceName)
	}
	fmt.Fprintf(w, "  Agent:    %s\n", e.AgentName)
	if e.ApprovedBy != "" {
		fmt.Fprintf(w, "  Approved: %s (human: %t)\n", e.ApprovedBy, e.HumanApproved)
	}
	if e.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error:    %s\n", color.RedString(e.ErrorMessage))
	}
}

func printEntries(w io.Writer, entries []*models.AuditLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No actions.")
		return
	}
	table(w, "ID\tTYPE\tSTATUS\tINCIDENT\tAPPROVED BY\tCREATED", func(tw *tabwriter.Writer) {
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.ActionType, e.Status, e.IncidentID, e.ApprovedBy,
				e.CreatedAt.Format("2006-01-02 15:04"))
		}
	})
}

func printGuardrails(w io.Writer, res *policy.Result) {
	fmt.Fprintf(w, "%s on %s: %s (%d passed, %d warnings, %d blocked)\n",
		res.ActionType, res.ServiceName, statusString(res.Status), res.Passed, res.Warnings, res.Blocked)
	for _, c := range res.Checks {
		fmt.Fprintf(w, "  [%s] %s: %s\n", c.Status, c.Name, c.Message)
		if len(c.AffectedServices) > 0 {
			fmt.Fprintf(w, "      affected: %s\n", strings.Join(c.AffectedServices, ", "))
		}
	}
}
