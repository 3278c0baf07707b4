// Package content turns a template key and its params into the text a channel
// sender transmits. Producers are opaque: this package does not interpret
// template syntax.
package content

import (
	"errors"
	"fmt"
	"html"
	"sort"
	"sync"
)

var ErrUnknownTemplate = errors.New("content: unknown template")

// Content is the rendered payload. Email senders use Subject, HTMLBody and
// Text; SMS senders use Text only.
type Content struct {
	Subject  string
	HTMLBody string
	Text     string
}

type Producer interface {
	Produce(params map[string]any) (Content, error)
}

// ProducerFunc adapts a plain function to Producer.
type ProducerFunc func(params map[string]any) (Content, error)

func (f ProducerFunc) Produce(params map[string]any) (Content, error) { return f(params) }

type Registry struct {
	mu        sync.RWMutex
	producers map[string]Producer
}

func NewRegistry() *Registry {
	return &Registry{producers: make(map[string]Producer)}
}

// Register adds or replaces the producer for template.
func (r *Registry) Register(template string, p Producer) {
	r.mu.Lock()
	r.producers[template] = p
	r.mu.Unlock()
}

func (r *Registry) Has(template string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.producers[template]
	return ok
}

func (r *Registry) Templates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.producers))
	for k := range r.producers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Render(template string, params map[string]any) (Content, error) {
	r.mu.RLock()
	p, ok := r.producers[template]
	r.mu.RUnlock()
	if !ok {
		return Content{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, template)
	}
	return p.Produce(params)
}

// Defaults returns a registry with the Q&A platform templates
// "newQuestion" and "newAnswer".
func Defaults() *Registry {
	r := NewRegistry()
	r.Register("newQuestion", ProducerFunc(newQuestion))
	r.Register("newAnswer", ProducerFunc(newAnswer))
	return r
}

func newQuestion(params map[string]any) (Content, error) {
	title, err := stringParam(params, "title")
	if err != nil {
		return Content{}, err
	}
	text := fmt.Sprintf("New question posted: %s", title)
	return Content{
		Subject:  "New question: " + title,
		HTMLBody: fmt.Sprintf("<p>A new question was posted:</p><p><strong>%s</strong></p>", html.EscapeString(title)),
		Text:     text,
	}, nil
}

func newAnswer(params map[string]any) (Content, error) {
	title, err := stringParam(params, "title")
	if err != nil {
		return Content{}, err
	}
	text := fmt.Sprintf("Your question %q has a new answer", title)
	return Content{
		Subject:  "New answer to: " + title,
		HTMLBody: fmt.Sprintf("<p>Your question <strong>%s</strong> has a new answer.</p>", html.EscapeString(title)),
		Text:     text,
	}, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("content: missing param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("content: param %q must be a non-empty string", key)
	}
	return s, nil
}
