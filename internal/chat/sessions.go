package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL bounds how long an unanswered confirmation stays pending.
const DefaultSessionTTL = 15 * time.Minute

// Proposal is an extraction awaiting a yes/no answer.
type Proposal struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Tasks     []string  `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the pending-confirmation state of one conversation.
type Session struct {
	ConversationID   string
	Proposal         *Proposal
	PendingDeleteAll bool
	UpdatedAt        time.Time
}

func (s *Session) empty() bool {
	return s.Proposal == nil && !s.PendingDeleteAll
}

// Sessions holds per-conversation state. Entries idle longer than the TTL
// are treated as absent and dropped on access or Sweep.
type Sessions struct {
	mu     sync.Mutex
	byConv map[string]*Session
	ttl    time.Duration
	Now    func() time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		byConv: make(map[string]*Session),
		ttl:    ttl,
		Now:    time.Now,
	}
}

func (s *Sessions) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// live returns the session for conv, or nil when missing or expired.
// Callers hold mu.
func (s *Sessions) live(conv string) *Session {
	sess, ok := s.byConv[conv]
	if !ok {
		return nil
	}
	if s.now().Sub(sess.UpdatedAt) > s.ttl {
		delete(s.byConv, conv)
		return nil
	}
	return sess
}

func (s *Sessions) upsert(conv string) *Session {
	sess := s.live(conv)
	if sess == nil {
		sess = &Session{ConversationID: conv}
		s.byConv[conv] = sess
	}
	sess.UpdatedAt = s.now()
	return sess
}

func (s *Sessions) release(conv string, sess *Session) {
	if sess.empty() {
		delete(s.byConv, conv)
	}
}

// Get returns a copy of the live session for conv.
func (s *Sessions) Get(conv string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(conv)
	if sess == nil {
		return Session{}, false
	}
	out := *sess
	if sess.Proposal != nil {
		p := *sess.Proposal
		p.Tasks = append([]string(nil), p.Tasks...)
		out.Proposal = &p
	}
	return out, true
}

// StageProposal replaces any pending proposal for conv.
func (s *Sessions) StageProposal(conv, goal string, tasks []string) Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.upsert(conv)
	p := Proposal{
		ID:        uuid.NewString(),
		Goal:      goal,
		Tasks:     append([]string(nil), tasks...),
		CreatedAt: sess.UpdatedAt,
	}
	sess.Proposal = &p
	return p
}

// TakeProposal removes and returns the pending proposal.
func (s *Sessions) TakeProposal(conv string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(conv)
	if sess == nil || sess.Proposal == nil {
		return Proposal{}, false
	}
	p := *sess.Proposal
	sess.Proposal = nil
	s.release(conv, sess)
	return p, true
}

func (s *Sessions) ArmDeleteAll(conv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(conv).PendingDeleteAll = true
}

// TakeDeleteAll clears the pending bulk-delete flag and reports whether it was set.
func (s *Sessions) TakeDeleteAll(conv string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(conv)
	if sess == nil || !sess.PendingDeleteAll {
		return false
	}
	sess.PendingDeleteAll = false
	s.release(conv, sess)
	return true
}

func (s *Sessions) Clear(conv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, conv)
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for conv, sess := range s.byConv {
		if s.now().Sub(sess.UpdatedAt) > s.ttl {
			delete(s.byConv, conv)
			n++
		}
	}
	return n
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byConv)
}
