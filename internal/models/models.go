// Package models defines the core data structures for LeadPipe.
//
// It includes leads, sequence definitions and the per-lead sequence state the
// scheduler advances, plus the conversation history and process-wide config
// shared across modules.
package models

import (
	"errors"
	"slices"
	"time"
)

// MessageKind defines how a sequence step is delivered.
type MessageKind string

const (
	// MessageKindText sends the rendered template as a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindForm sends a deep link to the lead's song request form.
	MessageKindForm MessageKind = "form"
	// MessageKindAudio sends the rendered content as a voice note media reference.
	MessageKindAudio MessageKind = "audio"
	// MessageKindImage sends the rendered content as an image media reference.
	MessageKindImage MessageKind = "image"
)

// kindAliases maps the labels stored by earlier dashboard revisions onto kinds.
var kindAliases = map[string]MessageKind{
	"texto":      MessageKindText,
	"formulario": MessageKindForm,
	"imagen":     MessageKindImage,
}

// Sender tags used on history entries.
const (
	SenderSystem   = "system"
	SenderBusiness = "business"
	SenderLead     = "lead"
)

// Validation errors for sequence definitions.
var (
	ErrEmptyTrigger     = errors.New("sequence trigger cannot be empty")
	ErrNoMessages       = errors.New("sequence must contain at least one message")
	ErrNegativeDelay    = errors.New("message delay cannot be negative")
	ErrEmptyStepContent = errors.New("media message content cannot be empty")
)

// IsValidMessageKind checks if the given message kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageKindText, MessageKindForm, MessageKindAudio, MessageKindImage:
		return true
	default:
		return false
	}
}

// NormalizeKind resolves legacy labels to their kind. Unknown labels are
// returned unchanged so the scheduler can apply its unknown-kind policy.
func NormalizeKind(raw string) MessageKind {
	if k, ok := kindAliases[raw]; ok {
		return k
	}
	return MessageKind(raw)
}

// MessageStep is a single timed message of a sequence.
type MessageStep struct {
	Kind         MessageKind `json:"type" yaml:"type"`
	Content      string      `json:"content" yaml:"content"`
	DelayMinutes int         `json:"delay" yaml:"delay"` // relative to the sequence start
}

// Delay returns the step offset from the sequence start.
func (m MessageStep) Delay() time.Duration {
	return time.Duration(m.DelayMinutes) * time.Minute
}

// SequenceDefinition is an ordered list of message steps activated by a trigger.
type SequenceDefinition struct {
	ID        string        `json:"id"`
	Trigger   string        `json:"trigger" yaml:"trigger"`
	Messages  []MessageStep `json:"messages" yaml:"messages"`
	CreatedAt time.Time     `json:"created_at"`
}

// Validate checks that a definition can be stored.
func (d SequenceDefinition) Validate() error {
	if d.Trigger == "" {
		return ErrEmptyTrigger
	}
	if len(d.Messages) == 0 {
		return ErrNoMessages
	}
	for _, m := range d.Messages {
		if m.DelayMinutes < 0 {
			return ErrNegativeDelay
		}
		if (m.Kind == MessageKindAudio || m.Kind == MessageKindImage) && m.Content == "" {
			return ErrEmptyStepContent
		}
	}
	return nil
}

// ActiveSequence is the per-lead progress through one sequence.
type ActiveSequence struct {
	Trigger   string    `json:"trigger"`
	StartTime time.Time `json:"startTime"`
	Index     int       `json:"index"`
	Completed bool      `json:"completed,omitempty"`
}

// Lead is a contact reachable through a phone-derived chat address.
type Lead struct {
	ID              string            `json:"id"` // canonical phone
	Phone           string            `json:"phone"`
	Name            string            `json:"name"`
	CreatedAt       time.Time         `json:"created_at"`
	State           string            `json:"state,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	ActiveSequences []ActiveSequence  `json:"active_sequences,omitempty"`
	Fields          map[string]string `json:"fields,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// HasTag reports whether the lead carries the tag.
func (l Lead) HasTag(tag string) bool {
	return slices.Contains(l.Tags, tag)
}

// HasActiveTrigger reports whether a non-completed sequence with the trigger is active.
func (l Lead) HasActiveTrigger(trigger string) bool {
	for _, s := range l.ActiveSequences {
		if s.Trigger == trigger && !s.Completed {
			return true
		}
	}
	return false
}

// PendingSequences returns the active sequences that have not completed.
func PendingSequences(seqs []ActiveSequence) []ActiveSequence {
	out := make([]ActiveSequence, 0, len(seqs))
	for _, s := range seqs {
		if !s.Completed {
			out = append(out, s)
		}
	}
	return out
}

// LeadUpdate carries the partial fields of a lead write. Nil fields are left untouched.
type LeadUpdate struct {
	ActiveSequences *[]ActiveSequence
	Tags            *[]string
	State           *string
	Metadata        map[string]string // merged into existing metadata
}

// IsEmpty reports whether the update would change nothing.
func (u LeadUpdate) IsEmpty() bool {
	return u.ActiveSequences == nil && u.Tags == nil && u.State == nil && len(u.Metadata) == 0
}

// HistoryEntry is an append-only record of an event in the lead's conversation.
type HistoryEntry struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// AppConfig is the process-wide configuration fetched on every run.
type AppConfig struct {
	TagAfter24h string `json:"tagAfter24h" yaml:"tagAfter24h"`
	TagAfter48h string `json:"tagAfter48h" yaml:"tagAfter48h"`
}

// HasInactivityTags reports whether at least one inactivity tag is configured.
func (c AppConfig) HasInactivityTags() bool {
	return c.TagAfter24h != "" || c.TagAfter48h != ""
}
