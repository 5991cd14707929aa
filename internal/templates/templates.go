// Package templates stores the SMS and email message templates and fills
// their {placeholder} variables from quote data.
package templates

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInactive = errors.New("template inactive")
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

type Template struct {
	ID      string   `json:"id"`
	Channel string   `json:"channel"`
	Name    string   `json:"name"`
	Subject string   `json:"subject,omitempty"`
	Body    string   `json:"body"`
	Tags    []string `json:"tags,omitempty"`
	Active  bool     `json:"active"`
}

type fileTemplate struct {
	Name    string   `yaml:"name"`
	Subject string   `yaml:"subject"`
	Body    string   `yaml:"body"`
	Tags    []string `yaml:"tags"`
	Active  *bool    `yaml:"active"`
}

type fileSet struct {
	SMS   map[string]fileTemplate `yaml:"sms"`
	Email map[string]fileTemplate `yaml:"email"`
}

// Engine holds templates by channel and id.
type Engine struct {
	mu      sync.RWMutex
	byChan  map[string]map[string]Template
	company Company
	opts    Options
}

// New returns an engine seeded with the stock templates.
func New(company Company, opts Options) (*Engine, error) {
	e := &Engine{
		byChan:  map[string]map[string]Template{ChannelSMS: {}, ChannelEmail: {}},
		company: company,
		opts:    opts.withDefaults(),
	}
	if _, err := e.merge(defaultsYAML, "defaults"); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadFile merges a YAML template file over the current set. Entries with an
// existing id replace it.
func (e *Engine) LoadFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return e.merge(b, path)
}

func (e *Engine) merge(b []byte, src string) (int, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f fileSet
	if err := dec.Decode(&f); err != nil {
		return 0, fmt.Errorf("templates %s: %w", src, err)
	}
	staged := map[string]map[string]Template{ChannelSMS: {}, ChannelEmail: {}}
	for ch, set := range map[string]map[string]fileTemplate{ChannelSMS: f.SMS, ChannelEmail: f.Email} {
		for id, ft := range set {
			if strings.TrimSpace(ft.Body) == "" {
				return 0, fmt.Errorf("templates %s: %s/%s has an empty body", src, ch, id)
			}
			active := true
			if ft.Active != nil {
				active = *ft.Active
			}
			staged[ch][id] = Template{
				ID: id, Channel: ch, Name: firstNonEmpty(ft.Name, id),
				Subject: ft.Subject, Body: ft.Body, Tags: ft.Tags, Active: active,
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for ch, set := range staged {
		for id, t := range set {
			e.byChan[ch][id] = t
			n++
		}
	}
	return n, nil
}

// GetTemplate returns an active template. Missing and inactive templates
// are errors so callers never send an empty message.
func (e *Engine) GetTemplate(channel, id string) (Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.byChan[strings.ToLower(channel)][id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, channel, id)
	}
	if !t.Active {
		return t, fmt.Errorf("%w: %s/%s", ErrTemplateInactive, channel, id)
	}
	return t, nil
}

// SetActive toggles whether a template may be used.
func (e *Engine) SetActive(channel, id string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.byChan[strings.ToLower(channel)]
	t, ok := set[id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, channel, id)
	}
	t.Active = active
	set[id] = t
	return nil
}

// List returns a channel's templates sorted by id.
func (e *Engine) List(channel string) []Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.byChan[strings.ToLower(channel)]
	out := make([]Template, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveVariables replaces each {key} in tpl that has an entry in data.
// Unknown placeholders are left in place.
func ResolveVariables(tpl string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(tpl, "{") {
		return tpl
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

func (e *Engine) ResolveVariables(tpl string, data map[string]string) string {
	return ResolveVariables(tpl, data)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
