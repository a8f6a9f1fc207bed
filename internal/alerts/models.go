// Package alerts implements operational alerts raised at a site. The alert
// index is a projection fed by alert events; it trusts the summaries it holds
// and is eventually consistent with the alerts themselves.
package alerts

import (
	"strings"
	"time"

	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

const (
	Kind      = "alert"
	IndexKind = "alert-index"

	EventRaised       = "alert.raised"
	EventAcknowledged = "alert.acknowledged"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
)

func Key(orgID, alertID string) domain.Key {
	return domain.OrgKey(Kind, orgID, alertID)
}

func IndexKey(orgID string) domain.Key {
	return domain.OrgKey(IndexKind, orgID)
}

type Alert struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Status         Status     `json:"status"`
	RaisedAt       time.Time  `json:"raised_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

type Snapshot struct {
	Alert
	Version uint64 `json:"version"`
}

// Summary is carried by alert events and cached in the alert index.
type Summary struct {
	Alert
	Version uint64 `json:"version"`
}

type RaiseCommand struct {
	AlertID  string   `json:"alert_id,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (c *RaiseCommand) Normalize() {
	c.AlertID = strings.TrimSpace(c.AlertID)
	c.Severity = Severity(strings.ToLower(strings.TrimSpace(string(c.Severity))))
	c.Message = strings.TrimSpace(c.Message)
}

func (c RaiseCommand) Validate() error {
	if !c.Severity.valid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown severity %q", c.Severity)
	}
	if c.Message == "" {
		return dErrors.New(dErrors.CodeValidation, "message is required")
	}
	if len(c.Message) > 1000 {
		return dErrors.New(dErrors.CodeValidation, "message must be 1000 characters or less")
	}
	return nil
}

// Query filters the alert index. Empty fields match everything.
type Query struct {
	Status   Status   `json:"status,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Offset   int      `json:"offset"`
	Limit    int      `json:"limit"`
}

// Page is one page of alert summaries, newest first. Active and Acknowledged
// count the whole filtered set, not just this page.
type Page struct {
	Alerts       []Summary `json:"alerts"`
	Total        int       `json:"total"`
	Active       int       `json:"active"`
	Acknowledged int       `json:"acknowledged"`
	Offset       int       `json:"offset"`
	Limit        int       `json:"limit"`
}
