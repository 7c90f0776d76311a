package model

import (
	"fmt"
	"strings"
	"time"
)

// Actor identifies who originated an event.
type Actor string

const (
	// ActorSystem marks events raised by the client runtime (session start/end).
	ActorSystem Actor = "SYSTEM"
	// ActorUser marks events caused by a student action.
	ActorUser Actor = "USER"
)

// Triple is the (actor, action, target) classification key used for dispatch.
type Triple struct {
	Actor  Actor
	Action string
	Target string
}

func (t Triple) String() string {
	return fmt.Sprintf("%s-%s-%s", t.Actor, t.Action, t.Target)
}

// Event is a single inbound student or system action.
type Event struct {
	Actor    Actor          `json:"actor" validate:"required,oneof=SYSTEM USER"`
	Action   string         `json:"action" validate:"required"`
	Target   string         `json:"target" validate:"required"`
	Time     time.Time      `json:"time"`
	Username string         `json:"username" validate:"required"`
	Session  string         `json:"session" validate:"required"`
	Context  map[string]any `json:"context,omitempty"`
}

// Triple returns the event's dispatch key.
func (e Event) Triple() Triple {
	return Triple{Actor: e.Actor, Action: e.Action, Target: e.Target}
}

// IsMatch reports whether the event has exactly the given triple.
func (e Event) IsMatch(t Triple) bool {
	return e.Triple() == t
}

func (e Event) String() string {
	return e.Triple().String()
}

// ContextString returns a context value rendered as a string, or "" if absent.
func (e Event) ContextString(key string) string {
	v, ok := e.Context[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ContextBool returns a boolean context value. Strings "true"/"false" are accepted.
func (e Event) ContextBool(key string) bool {
	switch v := e.Context[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

// ContextStrings returns a list context value. A comma-separated string is split.
func (e Event) ContextStrings(key string) []string {
	switch v := e.Context[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// Tree returns the event as a generic map tree for rule evaluation.
func (e Event) Tree() map[string]any {
	ctx := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		ctx[k] = v
	}
	return map[string]any{
		"actor":    string(e.Actor),
		"action":   e.Action,
		"target":   e.Target,
		"username": e.Username,
		"session":  e.Session,
		"context":  ctx,
	}
}

// Dialog is an outbound tutor message. Text keeps {{name}} placeholders for the client.
type Dialog struct {
	ID   string            `json:"id"`
	Text string            `json:"text"`
	Args map[string]string `json:"args,omitempty"`
}

// Severity classifies an alert.
type Severity string

const (
	// SeverityError is raised when event processing fails.
	SeverityError Severity = "error"
	// SeverityWarning is raised for configuration gaps.
	SeverityWarning Severity = "warning"
	// SeverityInfo is informational.
	SeverityInfo Severity = "info"
)

// Alert records a processing problem for operators and the affected client.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId,omitempty"`
	StudentID string    `json:"studentId,omitempty"`
	Event     *Event    `json:"event,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Collection maps a tag string to an externally hosted rule sheet.
type Collection struct {
	Tags    string `json:"tags" yaml:"tags"`
	SheetID string `json:"sheet" yaml:"sheet"`
}

// Challenge binds a client challenge to its concept adjustment matrix.
type Challenge struct {
	ChallengeID string `json:"challengeId" yaml:"challengeId"`
	EcdMatrixID string `json:"ecdMatrixId" yaml:"ecdMatrixId"`
}

// Group is a named configuration of rule sheets shared by a set of students.
type Group struct {
	Name          string       `json:"name" yaml:"name"`
	CacheDisabled bool         `json:"cacheDisabled" yaml:"cacheDisabled"`
	Collections   []Collection `json:"collections" yaml:"collections"`
	Challenges    []Challenge  `json:"challenges" yaml:"challenges"`
}

// NormalizeTags lowercases a tag string and collapses whitespace around commas.
func NormalizeTags(tags string) string {
	parts := strings.Split(tags, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.Join(strings.Fields(p), " "))
	}
	return strings.Join(parts, ", ")
}

// CollectionIDs returns the sheet ids of every collection tagged with tags, in order.
func (g *Group) CollectionIDs(tags string) []string {
	want := NormalizeTags(tags)
	var ids []string
	for _, c := range g.Collections {
		if NormalizeTags(c.Tags) == want && c.SheetID != "" {
			ids = append(ids, c.SheetID)
		}
	}
	return ids
}

// MatrixID returns the concept adjustment matrix configured for a challenge, or "".
func (g *Group) MatrixID(challengeID string) string {
	for _, c := range g.Challenges {
		if c.ChallengeID == challengeID {
			return c.EcdMatrixID
		}
	}
	return ""
}

// SheetIDs returns every sheet id the group references, without duplicates.
func (g *Group) SheetIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, c := range g.Collections {
		add(c.SheetID)
	}
	for _, c := range g.Challenges {
		add(c.EcdMatrixID)
	}
	return ids
}
