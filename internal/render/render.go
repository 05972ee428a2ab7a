// Package render substitutes {{field}} placeholders in message templates with lead attributes.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// MissingPolicy decides what an unresolved placeholder becomes.
type MissingPolicy int

const (
	// MissingEmpty replaces unresolved placeholders with an empty string.
	MissingEmpty MissingPolicy = iota
	// MissingLiteral leaves unresolved placeholders in the output untouched.
	MissingLiteral
)

// String implements fmt.Stringer.
func (p MissingPolicy) String() string {
	switch p {
	case MissingEmpty:
		return "empty"
	case MissingLiteral:
		return "literal"
	default:
		return fmt.Sprintf("MissingPolicy(%d)", int(p))
	}
}

// ParseMissingPolicy parses "empty" or "literal".
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "empty":
		return MissingEmpty, nil
	case "literal", "keep":
		return MissingLiteral, nil
	default:
		return MissingEmpty, fmt.Errorf("unknown placeholder policy %q", s)
	}
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Renderer renders templates against a lead under a fixed missing-value policy.
type Renderer struct {
	policy MissingPolicy
}

// New creates a Renderer.
func New(policy MissingPolicy) *Renderer {
	return &Renderer{policy: policy}
}

// Policy returns the configured missing-value policy.
func (r *Renderer) Policy() MissingPolicy {
	return r.policy
}

// Render substitutes every {{field}} token in tmpl. It never fails.
func (r *Renderer) Render(tmpl string, lead models.Lead) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(token string) string {
		field := token[2 : len(token)-2]
		if v := Lookup(lead, field); v != "" {
			return v
		}
		if r.policy == MissingLiteral {
			return token
		}
		return ""
	})
}

// Render renders tmpl with the MissingEmpty policy.
func Render(tmpl string, lead models.Lead) string {
	return New(MissingEmpty).Render(tmpl, lead)
}

// Lookup resolves a placeholder name against the lead. Built-in attributes
// accept both the English and the Spanish names stored by the dashboard;
// anything else is read from lead.Fields.
func Lookup(lead models.Lead, field string) string {
	switch field {
	case "name", "nombre":
		return lead.Name
	case "phone", "telefono":
		return lead.Phone
	case "id":
		return lead.ID
	case "state", "etiqueta":
		return lead.State
	}
	return lead.Fields[field]
}
