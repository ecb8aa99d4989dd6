// Package subscriptions loads the webhook subscription roster. The worker
// uses it to decide which deliveries an upsert owes; the dispatcher uses it
// to sign outgoing requests.
package subscriptions

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Subscription is one configured webhook consumer.
type Subscription struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Kinds  []string `yaml:"kinds"` // empty means all kinds
	Active bool     `yaml:"active"`
}

// WantsKind reports whether the subscription receives events of this kind.
func (s *Subscription) WantsKind(kind string) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type rosterFile struct {
	Subscriptions []*Subscription `yaml:"subscriptions"`
}

// Registry holds the loaded roster.
type Registry struct {
	subs   []*Subscription
	byName map[string]*Subscription
}

// Load reads the roster from a YAML file. An empty path yields an empty
// registry: the pipeline runs fine with nobody subscribed.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions file: %w", err)
	}

	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse subscriptions file: %w", err)
	}

	for _, s := range file.Subscriptions {
		if s.Name == "" {
			return nil, fmt.Errorf("subscription with empty name")
		}
		if _, err := url.ParseRequestURI(s.URL); err != nil {
			return nil, fmt.Errorf("subscription %s: invalid url %q", s.Name, s.URL)
		}
	}

	return NewRegistry(file.Subscriptions), nil
}

// NewRegistry builds a registry from the given subscriptions.
func NewRegistry(subs []*Subscription) *Registry {
	byName := make(map[string]*Subscription, len(subs))
	for _, s := range subs {
		byName[s.Name] = s
	}
	return &Registry{subs: subs, byName: byName}
}

// ForKind returns the active subscriptions that want events of this kind.
func (r *Registry) ForKind(kind string) []*Subscription {
	var out []*Subscription
	for _, s := range r.subs {
		if s.Active && s.WantsKind(kind) {
			out = append(out, s)
		}
	}
	return out
}

// Find returns the subscription with the given name, or nil.
func (r *Registry) Find(name string) *Subscription {
	return r.byName[name]
}

// All returns every loaded subscription, active or not.
func (r *Registry) All() []*Subscription {
	return r.subs
}
