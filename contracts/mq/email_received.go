package mq

import "time"

// EmailReceivedPayload 邮件收到事件的 payload（routing key: email.received）
type EmailReceivedPayload struct {
	EmailID    string    `json:"email_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	CreatorID  string    `json:"creator_id,omitempty"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}
