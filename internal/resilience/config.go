package resilience

import (
	"time"

	"github.com/sells-group/abi-engine/internal/config"
)

// StepRetryConfig builds the per-step retry policy for deep-research steps.
func StepRetryConfig(cfg config.ResearchConfig) RetryConfig {
	r := DefaultRetryConfig()
	if cfg.StepMaxAttempts > 0 {
		r.MaxAttempts = cfg.StepMaxAttempts
	}
	if cfg.StepBackoffMs > 0 {
		r.InitialBackoff = time.Duration(cfg.StepBackoffMs) * time.Millisecond
	}
	return r
}

// StepTimeout returns the wall-clock budget of one deep-research step.
func StepTimeout(cfg config.ResearchConfig) time.Duration {
	if cfg.StepTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(cfg.StepTimeoutSecs) * time.Second
}
