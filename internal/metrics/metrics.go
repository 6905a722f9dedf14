// Package metrics keeps named numeric counters that a server publishes with
// its broker registrations.
package metrics

import "sync"

// Common metric names.
const (
	Connections     = "connections"
	ActiveSessions  = "active_sessions"
	AuthFailures    = "auth_failures"
	LinesEvaluated  = "lines_evaluated"
	ShellCommands   = "shell_commands"
	ChatMessages    = "chat_messages"
	PeakConnections = "peak_connections"
)

// Set is a collection of named values. Unknown names read as zero. The zero
// value is ready to use and a Set is safe for concurrent use.
type Set struct {
	mu     sync.Mutex
	values map[string]float64
}

// New returns an empty Set.
func New() *Set { return &Set{} }

func (s *Set) update(name string, fn func(cur float64) float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]float64)
	}
	v := fn(s.values[name])
	s.values[name] = v
	return v
}

// Add increases name by delta and returns the new value.
func (s *Set) Add(name string, delta float64) float64 {
	return s.update(name, func(cur float64) float64 { return cur + delta })
}

// Reduce decreases name by delta and returns the new value.
func (s *Set) Reduce(name string, delta float64) float64 {
	return s.Add(name, -delta)
}

// Max raises name to v if v is larger.
func (s *Set) Max(name string, v float64) float64 {
	return s.update(name, func(cur float64) float64 { return max(cur, v) })
}

// Min lowers name to v if v is smaller.
func (s *Set) Min(name string, v float64) float64 {
	return s.update(name, func(cur float64) float64 { return min(cur, v) })
}

// Set overwrites name.
func (s *Set) Set(name string, v float64) {
	s.update(name, func(float64) float64 { return v })
}

// Get returns the current value of name.
func (s *Set) Get(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

// Any reports whether any metric has been recorded.
func (s *Set) Any() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values) > 0
}

// Snapshot returns a copy of every recorded value, or nil when empty.
func (s *Set) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return nil
	}
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
