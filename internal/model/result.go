package model

// Stage is a pipeline state for one email.
type Stage string

const (
	StageIngested  Stage = "Ingested"
	StageTriaged   Stage = "Triaged"
	StageRetrieved Stage = "Retrieved"
	StageTicketed  Stage = "Ticketed"
	StageDrafted   Stage = "Drafted"
	StageCompleted Stage = "Completed"
	StageFailed    Stage = "Failed"
)

// PipelineResult is assembled once per completed email and never mutated afterwards.
type PipelineResult struct {
	EmailID          string             `json:"email_id"`
	TraceID          string             `json:"trace_id,omitempty"`
	Triage           TriageResult       `json:"triage"`
	Snippets         []KnowledgeSnippet `json:"snippets"`
	Ticket           *Ticket            `json:"ticket,omitempty"`
	TicketAction     TicketAction       `json:"ticket_action"`
	Reply            string             `json:"reply"`
	ReplySubject     string             `json:"reply_subject"`
	Degraded         bool               `json:"degraded"`
	DegradedReasons  []string           `json:"degraded_reasons,omitempty"`
	ClassifyAttempts int                `json:"classify_attempts"`
	StageLatencyMs   map[Stage]int64    `json:"stage_latency_ms"`
	LatencyMs        int64              `json:"latency_ms"`
}

// FailedRecord is the terminal Failed(stage, reason) outcome of one email.
// Stage is the last state the email reached before failing.
type FailedRecord struct {
	EmailID   string `json:"email_id"`
	TraceID   string `json:"trace_id,omitempty"`
	Stage     Stage  `json:"stage"`
	Reason    string `json:"reason"`
	ErrorType string `json:"error_type"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms"`
}

// Outcome carries exactly one of Result or Failure.
type Outcome struct {
	Result  *PipelineResult `json:"result,omitempty"`
	Failure *FailedRecord   `json:"failure,omitempty"`
}

func (o Outcome) Completed() bool { return o.Result != nil }

// EmailID returns the id of whichever side is set.
func (o Outcome) EmailID() string {
	if o.Result != nil {
		return o.Result.EmailID
	}
	if o.Failure != nil {
		return o.Failure.EmailID
	}
	return ""
}
