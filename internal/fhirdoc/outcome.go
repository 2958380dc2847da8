// Package fhirdoc holds the small FHIR document vocabulary the server speaks
// on its error and diagnostic surfaces: OperationOutcome construction and
// "{Type}/{id}" reference helpers.
package fhirdoc

import (
	"fmt"
	"strings"
)

// Issue severities used in OperationOutcome documents.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// Issue type codes used in OperationOutcome documents.
const (
	IssueInvalid      = "invalid"
	IssueNotFound     = "not-found"
	IssueDeleted      = "deleted"
	IssueProcessing   = "processing"
	IssueNotSupported = "not-supported"
	IssueExpired      = "expired"
	IssueThrottled    = "throttled"
	IssueException    = "exception"
)

// Issue is a single OperationOutcome issue.
type Issue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// OperationOutcome is the structured diagnostic document returned on
// validation failures, rejected registrations, and operation errors.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// NewOutcome builds an OperationOutcome with a single issue.
func NewOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []Issue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome builds an error-severity processing outcome.
func ErrorOutcome(message string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueProcessing, message)
}

// ValidationOutcome builds an outcome for a malformed definition. The
// expression locates the offending element when known.
func ValidationOutcome(message, expression string) *OperationOutcome {
	oo := NewOutcome(SeverityError, IssueInvalid, message)
	if expression != "" {
		oo.Issue[0].Expression = []string{expression}
	}
	return oo
}

// NotFoundOutcome builds an outcome for a missing resource instance.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueNotFound,
		fmt.Sprintf("%s/%s not found", resourceType, id))
}

// ExpiredOutcome builds an outcome for an event number that has been pruned
// from a subscription's log.
func ExpiredOutcome(eventNumber uint64) *OperationOutcome {
	return NewOutcome(SeverityWarning, IssueExpired,
		fmt.Sprintf("event %d has expired from the log", eventNumber))
}

// Ref renders the canonical "{Type}/{id}" reference for a resource.
func Ref(resourceType, id string) string {
	return resourceType + "/" + id
}

// SplitRef splits a "{Type}/{id}" reference. The second return is empty when
// the reference has no id segment.
func SplitRef(ref string) (resourceType, id string) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
