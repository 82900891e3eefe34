package rail

import (
	"fmt"
	"strings"
	"sync"
)

// Resolver maps a downstream name to its base URL.
type Resolver interface {
	Resolve(name string) (string, error)
}

type StaticResolver struct {
	mu    *sync.RWMutex
	addrs map[string]string
}

func NewStaticResolver(addrs map[string]string) *StaticResolver {
	r := &StaticResolver{
		mu:    new(sync.RWMutex),
		addrs: make(map[string]string, len(addrs)),
	}
	for name, addr := range addrs {
		r.addrs[name] = strings.TrimRight(addr, "/")
	}
	return r
}

func (r *StaticResolver) Set(name, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[name] = strings.TrimRight(addr, "/")
}

func (r *StaticResolver) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[name]
	if !ok || addr == "" {
		return "", fmt.Errorf("no address for %s", name)
	}
	return addr, nil
}
