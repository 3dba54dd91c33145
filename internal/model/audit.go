package model

import (
	"time"
)

// AuditLog is one recorded relay API request.
type AuditLog struct {
	ID        string `json:"id"`
	APIKey    string `json:"api_key_name"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`

	// Request body after secret redaction; signed transaction hex is
	// truncated to a prefix so logs stay bounded.
	RequestBody string `json:"request_body"`

	StatusCode   int    `json:"status_code"`
	ResponseBody string `json:"response_body"`
	LatencyMs    int64  `json:"latency_ms"`

	// Business context attached by handlers (operation, tx hash, error).
	Context map[string]interface{} `json:"context"`

	CreatedAt time.Time `json:"created_at"`
}
