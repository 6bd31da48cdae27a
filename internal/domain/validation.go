package domain

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

type Finding struct {
	Field    string   `json:"field"`
	NodeID   string   `json:"nodeId,omitempty"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`

	// NodeIDs names every node involved, e.g. the members of a cycle.
	NodeIDs []string `json:"nodeIds,omitempty"`
}

type ValidationReport struct {
	WorkflowID string    `json:"workflowId"`
	Findings   []Finding `json:"findings"`
}

func (r *ValidationReport) Add(f Finding) {
	r.Findings = append(r.Findings, f)
}

func (r ValidationReport) Valid() bool {
	return len(r.Errors()) == 0
}

func (r ValidationReport) Errors() []Finding {
	return r.bySeverity(SeverityError)
}

func (r ValidationReport) Warnings() []Finding {
	return r.bySeverity(SeverityWarning)
}

func (r ValidationReport) bySeverity(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}
