package instance

import "os"

// ID names the running process for logs and lock ownership. WORKER_ID wins,
// then the platform's dyno name, then the host name.
func ID(fallback string) string {
	for _, key := range []string{"WORKER_ID", "DYNO"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallback
}
