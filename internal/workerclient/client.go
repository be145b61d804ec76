// Package workerclient speaks the worker protocol: an execute call
// bounded by a timeout and a periodic heartbeat probe.
package workerclient

import (
	"context"
	"time"
)

// ExecuteResult is a worker's answer to one execute call.
type ExecuteResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	TokensUsed int    `json:"tokens_used"`
	RequestID  string `json:"request_id"`
}

// HeartbeatInfo is a worker's liveness report.
type HeartbeatInfo struct {
	Status       string    `json:"status"`
	CPU          float64   `json:"cpu"`
	Memory       float64   `json:"memory"`
	UptimeSecs   float64   `json:"uptime"`
	LastActivity time.Time `json:"last_activity"`
}

// Client is anything that can run prompts and report liveness. The HTTP
// implementation talks to a real worker process; tests use a scripted
// one.
type Client interface {
	Execute(ctx context.Context, prompt string, allowedTools []string) (*ExecuteResult, error)
	Heartbeat(ctx context.Context) (*HeartbeatInfo, error)
}
