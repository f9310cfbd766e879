package oauth

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/storage"
)

// SessionCookieName is the cookie carrying the login session ID.
const SessionCookieName = "oauth2_session"

// SessionStore remembers which user is logged in on a browser.
type SessionStore interface {
	// UserID returns the logged-in user for the request, or "".
	UserID(r *http.Request) string

	// Login starts a session for userID and sets the session cookie.
	Login(w http.ResponseWriter, r *http.Request, userID string) error

	// Logout ends the request's session and clears the cookie.
	Logout(w http.ResponseWriter, r *http.Request)
}

type session struct {
	userID    string
	expiresAt time.Time
}

// MemorySessionStore keeps sessions in process memory behind an HttpOnly,
// SameSite=Lax cookie.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]session
	ttl      time.Duration
	secure   bool
	clock    storage.Clock
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates a session store. Secure marks cookies for
// HTTPS only.
func NewMemorySessionStore(ttl time.Duration, secure bool, clock storage.Clock) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemorySessionStore{
		sessions: make(map[string]session),
		ttl:      ttl,
		secure:   secure,
		clock:    storage.ClockOrDefault(clock),
	}
}

// UserID implements SessionStore.
func (s *MemorySessionStore) UserID(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[cookie.Value]
	if !ok {
		return ""
	}
	if storage.IsExpired(sess.expiresAt, s.clock.Now()) {
		delete(s.sessions, cookie.Value)
		return ""
	}
	return sess.userID
}

// Login implements SessionStore. Any previous session on the request is
// replaced so a login always gets a fresh ID.
func (s *MemorySessionStore) Login(w http.ResponseWriter, r *http.Request, userID string) error {
	id := uuid.NewString()
	now := s.clock.Now()

	s.mu.Lock()
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		delete(s.sessions, cookie.Value)
	}
	s.purgeLocked(now)
	s.sessions[id] = session{userID: userID, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Logout implements SessionStore.
func (s *MemorySessionStore) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Len returns the number of stored sessions, expired ones included.
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemorySessionStore) purgeLocked(now time.Time) {
	for id, sess := range s.sessions {
		if storage.IsExpired(sess.expiresAt, now) {
			delete(s.sessions, id)
		}
	}
}
