package origin

import (
	"errors"
	"testing"

	"edge-proxy-go/internal/config"
)

func testBreaker() config.BreakerConfig {
	return config.BreakerConfig{ConsecutiveFailures: 2, OpenSeconds: 60, HalfOpenRequests: 1}
}

func tripServer(t *testing.T, s *server, failures int) {
	t.Helper()
	for range failures {
		done, err := s.allow()
		if err != nil {
			t.Fatalf("allow() error = %v", err)
		}
		done(false)
	}
}

func TestPool_PickIsStablePerClient(t *testing.T) {
	p, err := newPool("a", []string{"http://s1:80", "http://s2:80", "http://s3:80"}, testBreaker(), nil)
	if err != nil {
		t.Fatalf("newPool() error = %v", err)
	}

	first, err := p.pick("10.0.0.1")
	if err != nil {
		t.Fatalf("pick() error = %v", err)
	}
	for range 10 {
		s, err := p.pick("10.0.0.1")
		if err != nil {
			t.Fatalf("pick() error = %v", err)
		}
		if s != first {
			t.Fatalf("pick() = %s, want %s", s.key, first.key)
		}
	}
}

func TestPool_SkipsOpenServers(t *testing.T) {
	var changes []string
	p, err := newPool("a", []string{"http://s1:80", "http://s2:80"}, testBreaker(), func(server string, open bool) {
		if open {
			changes = append(changes, server)
		}
	})
	if err != nil {
		t.Fatalf("newPool() error = %v", err)
	}

	tripServer(t, p.byKey["s1:80"], 2)
	if len(changes) != 1 || changes[0] != "s1:80" {
		t.Fatalf("open notifications = %v, want [s1:80]", changes)
	}

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		s, err := p.pick(key)
		if err != nil {
			t.Fatalf("pick(%q) error = %v", key, err)
		}
		if s.key != "s2:80" {
			t.Errorf("pick(%q) = %s, want s2:80", key, s.key)
		}
	}

	tripServer(t, p.byKey["s2:80"], 2)
	if _, err := p.pick("a"); !errors.Is(err, ErrNoServers) {
		t.Errorf("pick() error = %v, want ErrNoServers", err)
	}
}

func TestNewPool_Errors(t *testing.T) {
	tests := []struct {
		name    string
		servers []string
	}{
		{"bad url", []string{"http://bad host"}},
		{"duplicate", []string{"http://s1:80", "http://s1:80/other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newPool("a", tt.servers, testBreaker(), nil); err == nil {
				t.Error("newPool() error = nil, want error")
			}
		})
	}
}
