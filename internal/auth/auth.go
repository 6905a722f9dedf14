// Package auth holds credential predicates and the per-connection
// authentication state.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// DefaultMaxAttempts is the number of failed attempts before the server
// closes the connection.
const DefaultMaxAttempts = 5

// Failure reasons sent to clients.
const (
	ReasonExhausted = "max authentication attempts reached"
	ReasonMalformed = "auth data must include a user and a password"
)

// ErrAuthFailed is reported when credentials are rejected.
var ErrAuthFailed = errors.New("authentication failed")

// Predicate decides whether a user/password pair is accepted.
type Predicate func(user, pass string) bool

// Static accepts exactly one user/password pair.
func Static(user, pass string) Predicate {
	return func(u, p string) bool {
		userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
		return userOK && passOK
	}
}

// Table maps user names to bcrypt password hashes.
type Table map[string]string

// Check reports whether pass matches user's stored hash.
func (t Table) Check(user, pass string) bool {
	hash, ok := t[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
}

// Predicate adapts the table to a Predicate.
func (t Table) Predicate() Predicate { return t.Check }

// HashPassword returns a bcrypt hash suitable for a Table entry.
func HashPassword(pass string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

type credentialsFile struct {
	Users map[string]string `yaml:"users"`
}

// LoadTable reads a YAML credentials file of the form
//
//	users:
//	  alice: $2a$10$...
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if len(f.Users) == 0 {
		return nil, fmt.Errorf("credentials %s: no users", path)
	}
	return Table(f.Users), nil
}

// Outcome is the result of one authentication attempt.
type Outcome int

const (
	Granted   Outcome = iota
	Rejected          // wrong credentials, attempts remain
	Exhausted         // wrong credentials, no attempts left
	Malformed         // user or password missing; not counted
)

// State tracks one connection's authentication. It never has Required and
// Authenticated set at the same time.
type State struct {
	Required          bool
	AttemptsRemaining int
	Authenticated     bool
}

// NewState returns the state for a new connection.
func NewState(required bool, maxAttempts int) State {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return State{Required: required, AttemptsRemaining: maxAttempts}
}

// Attempt applies one credential check.
func (s *State) Attempt(user, pass string, check Predicate) Outcome {
	if !s.Required {
		return Granted
	}
	if user == "" || pass == "" {
		return Malformed
	}
	if check != nil && check(user, pass) {
		s.Required = false
		s.Authenticated = true
		return Granted
	}
	s.AttemptsRemaining--
	if s.AttemptsRemaining <= 0 {
		s.AttemptsRemaining = 0
		return Exhausted
	}
	return Rejected
}

// Event is an observable step of authentication.
type Event int

const (
	EventAttempt Event = iota
	EventFail
	EventSuccess
)

func (e Event) String() string {
	switch e {
	case EventAttempt:
		return "attempt"
	case EventFail:
		return "fail"
	case EventSuccess:
		return "success"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Callback receives the user name and the peer's IP.
type Callback func(user, ip string)

type record struct {
	event    Event
	user, ip string
}

// MaxPendingEvents bounds how many events of one kind are kept for a
// callback that has not been registered yet. Older ones are dropped.
const MaxPendingEvents = 256

// Observers fans authentication events out to callbacks. Events of a kind
// with no callback yet are held and handed to the first callback registered
// for that kind, so hooks installed late still see them.
type Observers struct {
	mu        sync.Mutex
	callbacks map[Event][]Callback
	pending   map[Event][]record
}

// On registers fn for event and replays any events still pending for it.
func (o *Observers) On(event Event, fn Callback) {
	o.mu.Lock()
	if o.callbacks == nil {
		o.callbacks = make(map[Event][]Callback)
	}
	o.callbacks[event] = append(o.callbacks[event], fn)
	past := o.pending[event]
	delete(o.pending, event)
	o.mu.Unlock()

	for _, r := range past {
		fn(r.user, r.ip)
	}
}

// Emit calls the callbacks for event, or holds the event until one is
// registered.
func (o *Observers) Emit(event Event, user, ip string) {
	o.mu.Lock()
	fns := append([]Callback(nil), o.callbacks[event]...)
	if len(fns) == 0 {
		if o.pending == nil {
			o.pending = make(map[Event][]record)
		}
		q := append(o.pending[event], record{event, user, ip})
		if len(q) > MaxPendingEvents {
			q = append(q[:0:0], q[len(q)-MaxPendingEvents:]...)
		}
		o.pending[event] = q
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(user, ip)
	}
}
