package instance

import (
	"os"

	"github.com/angelmondragon/stockflow/pkg/env"
)

// GetID returns the worker instance identifier. It prefers STOCKFLOW_WORKER_ID,
// then the hostname, then a static default.
func GetID() string {
	if id := env.Get("STOCKFLOW_WORKER_ID", ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
