package events

import (
	"context"
	"fmt"
	"sync"
)

type Handler func(ctx context.Context, evt *Event) error

type Router struct {
	handlers map[EventType]Handler
	mu       *sync.RWMutex
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[EventType]Handler),
		mu:       new(sync.RWMutex),
	}
}

func (r *Router) AddHandler(h Handler, event EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = h
}

func (r *Router) Dispatch(ctx context.Context, evt *Event) error {
	h, err := r.getHandler(evt.Type)
	if err != nil {
		return err
	}
	return h(ctx, evt)
}

// Topics lists the topics the registered handlers need a subscription to.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	topics := []string{}
	for t := range r.handlers {
		topic := TopicFor(t)
		if _, ok := seen[topic]; ok || topic == "" {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

func (r *Router) Handles(event EventType) bool {
	_, err := r.getHandler(event)
	return err == nil
}

func (r *Router) getHandler(event EventType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[event]
	if !ok {
		return nil, fmt.Errorf("handler is missing for %s event type", event)
	}
	return h, nil
}
