// Package registry is the broker's in-memory directory of live servers.
// Every method must run on the owning reactor loop.
package registry

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
)

// DefaultCheckInterval is both the watchdog period and the heartbeat age at
// which an entry expires.
const DefaultCheckInterval = 20 * time.Second

// Registry maps server ids to descriptions. An id has a watchdog exactly
// when it has a description.
type Registry struct {
	loop          *reactor.Loop
	checkInterval time.Duration
	log           *slog.Logger

	servers   map[string]*protocol.ServerDescription
	watchdogs map[string]*reactor.Timer

	// OnChange, if set, runs after every insert, merge or removal.
	OnChange func()
}

// New creates an empty registry whose watchdogs run on loop.
func New(loop *reactor.Loop, checkInterval time.Duration, logger *slog.Logger) *Registry {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loop:          loop,
		checkInterval: checkInterval,
		log:           logger.With("component", "registry"),
		servers:       make(map[string]*protocol.ServerDescription),
		watchdogs:     make(map[string]*reactor.Timer),
	}
}

// Register inserts desc or merges it into the existing entry, and refreshes
// the entry's heartbeat. It reports whether the id was new.
//
// Merging unions URLs (existing order first), overwrites the name only with
// a non-empty one, and overwrites details and metrics key by key.
func (r *Registry) Register(desc protocol.ServerDescription) (bool, error) {
	if err := desc.Validate(); err != nil {
		return false, err
	}
	now := r.loop.Now()

	existing, ok := r.servers[desc.ID]
	if !ok {
		d := desc.Clone()
		d.URLs = dedupe(d.URLs)
		d.LastHeartbeat = now
		r.servers[d.ID] = &d
		r.startWatchdog(d.ID)
		r.log.Info("server registered", "id", d.ID, "name", d.Name, "urls", d.URLs)
		r.changed()
		return true, nil
	}

	for _, u := range desc.URLs {
		if !slices.Contains(existing.URLs, u) {
			existing.URLs = append(existing.URLs, u)
		}
	}
	if desc.Name != "" {
		existing.Name = desc.Name
	}
	if len(desc.Details) > 0 {
		if existing.Details == nil {
			existing.Details = make(map[string]string, len(desc.Details))
		}
		maps.Copy(existing.Details, desc.Details)
	}
	if len(desc.Metrics) > 0 {
		if existing.Metrics == nil {
			existing.Metrics = make(map[string]float64, len(desc.Metrics))
		}
		maps.Copy(existing.Metrics, desc.Metrics)
	}
	existing.LastHeartbeat = now
	r.log.Debug("server refreshed", "id", desc.ID)
	r.changed()
	return false, nil
}

func dedupe(urls []string) []string {
	out := urls[:0:0]
	for _, u := range urls {
		if !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

// Touch refreshes the heartbeat of a known id.
func (r *Registry) Touch(id string) bool {
	d, ok := r.servers[id]
	if !ok {
		return false
	}
	d.LastHeartbeat = r.loop.Now()
	return true
}

// Unregister removes id and cancels its watchdog. Unknown ids are ignored.
func (r *Registry) Unregister(id string) bool {
	if _, ok := r.servers[id]; !ok {
		return false
	}
	delete(r.servers, id)
	if w, ok := r.watchdogs[id]; ok {
		w.Stop()
		delete(r.watchdogs, id)
	}
	r.log.Info("server unregistered", "id", id)
	r.changed()
	return true
}

func (r *Registry) startWatchdog(id string) {
	r.watchdogs[id] = r.loop.Every(r.checkInterval, func() {
		d, ok := r.servers[id]
		if !ok {
			return
		}
		age := r.loop.Now().Sub(d.LastHeartbeat)
		// An entry exactly one interval old is expired, so an id registered
		// once is gone by the first tick.
		if age >= r.checkInterval {
			r.log.Info("server heartbeat expired", "id", id, "age", age)
			r.Unregister(id)
		}
	})
}

func (r *Registry) changed() {
	if r.OnChange != nil {
		r.OnChange()
	}
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (protocol.ServerDescription, bool) {
	d, ok := r.servers[id]
	if !ok {
		return protocol.ServerDescription{}, false
	}
	return d.Clone(), true
}

// List returns a snapshot that later mutations do not affect.
func (r *Registry) List() map[string]protocol.ServerDescription {
	out := make(map[string]protocol.ServerDescription, len(r.servers))
	for id, d := range r.servers {
		out[id] = d.Clone()
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.servers) }

// Close cancels every watchdog and empties the registry.
func (r *Registry) Close() {
	for id, w := range r.watchdogs {
		w.Stop()
		delete(r.watchdogs, id)
	}
	clear(r.servers)
}
