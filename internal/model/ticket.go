package model

import (
	"fmt"
	"time"
)

type TicketStatus string

const (
	TicketOpen    TicketStatus = "Open"
	TicketUpdated TicketStatus = "Updated"
	TicketClosed  TicketStatus = "Closed"
)

// Active reports whether the ticket still blocks a new ticket for its group.
// Updated tickets are still open work, only refreshed.
func (s TicketStatus) Active() bool {
	return s == TicketOpen || s == TicketUpdated
}

// TicketAction is what a ticket decision did to the store.
type TicketAction string

const (
	TicketActionNone    TicketAction = "none"
	TicketActionCreated TicketAction = "created"
	TicketActionUpdated TicketAction = "updated"
)

// Ticket is a tracked follow-up. Owned by the ticket store; callers get copies.
type Ticket struct {
	ID          int64        `json:"ticket_id"`
	EmailID     string       `json:"email_id"`
	LastEmailID string       `json:"last_email_id"`
	ThreadKey   string       `json:"thread_key"`
	Sender      string       `json:"sender"`
	CreatorID   string       `json:"creator_id,omitempty"`
	Category    Category     `json:"category"`
	Priority    Priority     `json:"priority"`
	Status      TicketStatus `json:"status"`
	Title       string       `json:"title"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Reference is the follow-up reference quoted in replies.
func (t Ticket) Reference() string {
	return fmt.Sprintf("TCK-%06d", t.ID)
}
