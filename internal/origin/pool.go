package origin

import (
	"fmt"
	"net/url"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/sony/gobreaker"

	"edge-proxy-go/internal/config"
)

type server struct {
	url     *url.URL
	key     string
	breaker *gobreaker.TwoStepCircuitBreaker
}

// allow reserves a call slot. The returned func must be called exactly once
// with the outcome of the call.
func (s *server) allow() (func(bool), error) {
	return s.breaker.Allow()
}

func (s *server) open() bool {
	return s.breaker.State() == gobreaker.StateOpen
}

// pool selects a server for each call. Servers whose breaker is open are
// skipped; the remaining ones are picked by rendezvous hashing on a client
// key so a caller keeps hitting the same server while it stays healthy.
type pool struct {
	servers []*server
	byKey   map[string]*server
}

func newPool(origin string, servers []string, bc config.BreakerConfig, onState func(server string, open bool)) (*pool, error) {
	p := &pool{byKey: make(map[string]*server, len(servers))}
	for _, raw := range servers {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("origin %s: parse server %q: %w", origin, raw, err)
		}
		key := u.Host
		if _, dup := p.byKey[key]; dup {
			return nil, fmt.Errorf("origin %s: duplicate server %q", origin, raw)
		}

		failures := bc.ConsecutiveFailures
		s := &server{url: u, key: key}
		s.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        origin + "/" + key,
			MaxRequests: uint32(bc.HalfOpenRequests),
			Timeout:     time.Duration(bc.OpenSeconds) * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return int(c.ConsecutiveFailures) >= failures
			},
			OnStateChange: func(_ string, _, to gobreaker.State) {
				if onState != nil {
					onState(key, to == gobreaker.StateOpen)
				}
			},
		})
		p.servers = append(p.servers, s)
		p.byKey[key] = s
	}
	return p, nil
}

// available returns the servers that may currently be tried.
func (p *pool) available() []*server {
	out := make([]*server, 0, len(p.servers))
	for _, s := range p.servers {
		if !s.open() {
			out = append(out, s)
		}
	}
	return out
}

func (p *pool) pick(clientKey string) (*server, error) {
	candidates := p.available()
	switch len(candidates) {
	case 0:
		return nil, ErrNoServers
	case 1:
		return candidates[0], nil
	}

	keys := make([]string, len(candidates))
	for i, s := range candidates {
		keys[i] = s.key
	}
	chosen := rendezvous.New(keys, xxhash.Sum64String).Lookup(clientKey)
	if s, ok := p.byKey[chosen]; ok {
		return s, nil
	}
	return nil, ErrNoServers
}
