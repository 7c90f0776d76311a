package model

import (
	"context"
	"time"
)

// Guide protocol channels.
const (
	ChannelEvent  = "event"
	ChannelDialog = "tutorDialog"
	ChannelAlert  = "alert"
)

// Outbound delivers messages to the client connected to a session.
type Outbound interface {
	Send(ctx context.Context, channel string, payload any) error
}

// Session holds the state of one tutoring connection.
type Session struct {
	ID        string     `json:"id"`
	StudentID string     `json:"studentId"`
	GroupID   string     `json:"groupId"`
	Active    bool       `json:"active"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Events    []Event    `json:"events"`
	Responses []Dialog   `json:"responses"`

	out Outbound
}

// NewSession returns an inactive session with no history.
func NewSession(id string) *Session {
	return &Session{ID: id}
}

// Start binds the session to a student and marks it active.
func (s *Session) Start(studentID string, at time.Time) {
	s.StudentID = studentID
	s.Active = true
	s.StartTime = &at
	s.EndTime = nil
}

// End marks the session inactive and stamps the end time.
func (s *Session) End(at time.Time) {
	s.Active = false
	s.EndTime = &at
}

// Deactivate marks the session inactive without touching its times.
func (s *Session) Deactivate() {
	s.Active = false
}

// PrependEvent records an event at the head of the history.
func (s *Session) PrependEvent(e Event) {
	s.Events = append([]Event{e}, s.Events...)
}

// PrependResponse records a reply at the head of the response history.
func (s *Session) PrependResponse(d Dialog) {
	s.Responses = append([]Dialog{d}, s.Responses...)
}

// Restore replaces the persisted state of s with from, keeping the attached outbound.
func (s *Session) Restore(from *Session) {
	out := s.out
	*s = *from
	s.out = out
}

// Attach sets the outbound channel replies are emitted on.
func (s *Session) Attach(out Outbound) {
	s.out = out
}

// Emit sends a payload to the attached client. It is a no-op when nothing is attached.
func (s *Session) Emit(ctx context.Context, channel string, payload any) error {
	if s.out == nil {
		return nil
	}
	return s.out.Send(ctx, channel, payload)
}
