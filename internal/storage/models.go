package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/conversa/internal/apperr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = fmt.Errorf("record %w", apperr.ErrNotFound)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Metadata  json.RawMessage // nil when absent
	CreatedAt time.Time
}

// Usage statuses.
const (
	UsageSuccess = "success"
	UsageError   = "error"
	UsageCached  = "cached"
)

type UsageRecord struct {
	ID        string
	SessionID string
	APIID     string
	Query     string
	Status    string
	LatencyMS int64
	Error     string
	CreatedAt time.Time
}

type APICount struct {
	APIID string `json:"api_id"`
	Count int    `json:"count"`
}

type UsageStats struct {
	TotalMessages int        `json:"total_messages"`
	TotalAPICalls int        `json:"total_api_calls"`
	PopularAPIs   []APICount `json:"popular_apis"`
	SuccessRate   float64    `json:"success_rate"`
}
