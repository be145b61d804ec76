package workerclient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedClient replays canned execute results in order. It backs the
// orchestrator's tests and dry runs where no worker process exists.
type ScriptedClient struct {
	mu      sync.Mutex
	results []*ExecuteResult
	next    int
	Prompts []string
}

// NewScriptedClient returns a client that answers execute calls with
// the given results, in order. Calls past the script fail.
func NewScriptedClient(results ...*ExecuteResult) *ScriptedClient {
	return &ScriptedClient{results: results}
}

func (s *ScriptedClient) Execute(_ context.Context, prompt string, _ []string) (*ExecuteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	if s.next >= len(s.results) {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", len(s.results))
	}
	res := s.results[s.next]
	s.next++
	return res, nil
}

func (s *ScriptedClient) Heartbeat(context.Context) (*HeartbeatInfo, error) {
	return &HeartbeatInfo{Status: "idle", LastActivity: time.Now()}, nil
}

// Calls reports how many execute calls the script has served.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
