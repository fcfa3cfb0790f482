package toolsurface

import "time"

// The request/response shapes below are the wire contract; renaming a
// JSON field is a breaking change for every client.

type sessionOpenParams struct {
	DumpPath    string `json:"dumpPath"`
	SymbolsPath string `json:"symbolsPath,omitempty"`
}

type sessionOpenResult struct {
	SessionID string `json:"sessionId"`
}

type sessionCloseParams struct {
	SessionID string `json:"sessionId"`
}

type sessionCloseResult struct {
	Closed bool `json:"closed"`
}

type sessionListResult struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionSummary struct {
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type commandEnqueueParams struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type commandEnqueueResult struct {
	CommandID string `json:"commandId"`
}

type commandEnqueueBatchParams struct {
	SessionID string   `json:"sessionId"`
	Commands  []string `json:"commands"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
}

type commandEnqueueBatchResult struct {
	CommandIDs []string `json:"commandIds"`
}

type commandStatusParams struct {
	SessionID string `json:"sessionId"`
	CommandID string `json:"commandId"`
}

type commandStatusResult struct {
	State       string     `json:"state"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type commandStatusBulkParams struct {
	SessionID  string   `json:"sessionId"`
	CommandIDs []string `json:"commandIds"`
}

type commandStatusBulkResult struct {
	Items []commandStatusItem `json:"items"`
}

type commandStatusItem struct {
	CommandID   string     `json:"commandId"`
	State       string     `json:"state"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type commandResultParams struct {
	SessionID string `json:"sessionId"`
	CommandID string `json:"commandId"`
}

type commandResultResult struct {
	State  string `json:"state"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type commandCancelParams struct {
	SessionID string `json:"sessionId"`
	CommandID string `json:"commandId"`
}

type commandCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type queueStatsParams struct {
	SessionID string `json:"sessionId"`
}

type queueStatsResult struct {
	Queued    int `json:"queued"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type healthGetResult struct {
	Status         string    `json:"status"`
	QueueSize      int       `json:"queueSize"`
	ActiveCommands int       `json:"activeCommands"`
	Uptime         float64   `json:"uptime"`
	Version        string    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
}
