package api

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
	"github.com/nanjiek/pixiu-ioadm/internal/core"
	"github.com/nanjiek/pixiu-ioadm/internal/metrics"
)

// AcquireRequest asks for I/O quota. Class falls back to the X-IO-Priority
// header and then to "normal".
type AcquireRequest struct {
	Class  string `json:"class"`
	Amount int64  `json:"amount"`
	WaitMs int64  `json:"waitMs"` // 0 waits for as long as the request lives
	NoWait bool   `json:"noWait"`
}

type AcquireResponse struct {
	Granted  bool   `json:"granted"`
	Class    string `json:"class"`
	Amount   int64  `json:"amount"`
	WaitedMs int64  `json:"waitedMs"`
	Borrowed int64  `json:"borrowed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type RefundRequest struct {
	Class  string `json:"class"`
	Amount int64  `json:"amount"`
}

type RefundResponse struct {
	Class    string `json:"class"`
	Accepted int64  `json:"accepted"`
}

type ConfigResponse struct {
	Version     string `json:"version"`
	Distributed bool   `json:"distributed"`
	Warning     string `json:"warning,omitempty"`
}

// ConfigHistoryResponse lists distributed configurations, newest first.
type ConfigHistoryResponse struct {
	Configs []config.LimiterCfg `json:"configs"`
}

type StatsResponse struct {
	Engine  core.Stats        `json:"engine"`
	Metrics *metrics.Snapshot `json:"metrics,omitempty"`
}

type ErrorDetail struct {
	Reason string `json:"reason,omitempty"`
	Field  string `json:"field,omitempty"`
	Class  string `json:"class,omitempty"`
}

type ErrorResponse struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Detail  *ErrorDetail `json:"detail,omitempty"`
}
