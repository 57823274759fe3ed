// Package main is a minimal HTTP health check binary for use in distroless
// containers. It exits 0 when the /health endpoint returns HTTP 200, and 1
// otherwise. The port follows QUOTA_PORT, then PORT, then the service default.
// Compile with CGO_ENABLED=0 for a fully static binary.
package main

import (
	"net/http"
	"os"
	"time"
)

func healthURL() string {
	port := "3000"
	for _, key := range []string{"QUOTA_PORT", "PORT"} {
		if v := os.Getenv(key); v != "" {
			port = v
			break
		}
	}
	return "http://localhost:" + port + "/health"
}

func main() {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(healthURL())
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
