package entity

import "time"

type ReportStatus string

const (
	ReportPending    ReportStatus = "pending"
	ReportAssigned   ReportStatus = "assigned"
	ReportInProgress ReportStatus = "in_progress"
	ReportResolved   ReportStatus = "resolved"
	ReportRejected   ReportStatus = "rejected"
)

// Report is a citizen-filed incident.
type Report struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Category        string       `json:"category,omitempty"`
	Status          ReportStatus `json:"status"`
	Latitude        float64      `json:"latitude"`
	Longitude       float64      `json:"longitude"`
	ReporterID      string       `json:"reporter_id,omitempty"`
	AssignedAgentID string       `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (r Report) RecordID() string { return r.ID }

// AgentPosition is the last reported location of a field agent. The id is the agent id.
type AgentPosition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p AgentPosition) RecordID() string { return p.ID }

type DangerZone struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RiskScore    float64   `json:"risk_score"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	RadiusMeters float64   `json:"radius_meters"`
	Active       bool      `json:"active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (z DangerZone) RecordID() string { return z.ID }

type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	ReportID  string    `json:"report_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n Notification) RecordID() string { return n.ID }

// Unread is the derived-counter predicate for notification collections.
func Unread(n Notification) bool { return !n.Read }

// ThreadMessage is one message in a report's conversation thread.
type ThreadMessage struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	AuthorID  string    `json:"author_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (m ThreadMessage) RecordID() string { return m.ID }
