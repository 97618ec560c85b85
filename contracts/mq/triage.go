package mq

import "time"

const (
	RoutingEmailReceived   = "email.received"
	RoutingTriageCompleted = "triage.completed"
	RoutingTriageFailed    = "triage.failed"
	RoutingTicketCreated   = "ticket.created"
	RoutingTicketUpdated   = "ticket.updated"
)

// TriageCompletedPayload is published once per email that reached Completed.
type TriageCompletedPayload struct {
	EmailID      string    `json:"email_id"`
	Category     string    `json:"category"`
	Priority     string    `json:"priority"`
	Confidence   float64   `json:"confidence"`
	SnippetIDs   []string  `json:"snippet_ids"`
	TicketID     int64     `json:"ticket_id,omitempty"`
	TicketAction string    `json:"ticket_action"`
	Reply        string    `json:"reply"`
	ReplySubject string    `json:"reply_subject"`
	Degraded     bool      `json:"degraded"`
	LatencyMs    int64     `json:"latency_ms"`
	CompletedAt  time.Time `json:"completed_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// TriageFailedPayload is published once per email that ended in Failed.
type TriageFailedPayload struct {
	EmailID   string    `json:"email_id"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	ErrorType string    `json:"error_type"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// TicketEventPayload is written to the outbox with every ticket create/update.
type TicketEventPayload struct {
	TicketID  int64     `json:"ticket_id"`
	EmailID   string    `json:"email_id"`
	ThreadKey string    `json:"thread_key"`
	Category  string    `json:"category"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	TraceID   string    `json:"trace_id,omitempty"`
}
