// Package instance names the running worker process.
package instance

import (
	"os"

	"github.com/angelmondragon/lotledger/pkg/env"
)

const workerIDEnv = "LOTLEDGER_WORKER_ID"

// GetID returns LOTLEDGER_WORKER_ID, else the hostname, else "worker-0".
func GetID() string {
	if id := env.First("", workerIDEnv, "WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
