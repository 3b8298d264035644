package instance

import "testing"

func TestIDPrefersWorkerID(t *testing.T) {
	t.Setenv("WORKER_ID", "worker-7")
	t.Setenv("DYNO", "web.1")
	if got := ID("fallback"); got != "worker-7" {
		t.Fatalf("expected worker-7, got %s", got)
	}
}

func TestIDFallsBackToDyno(t *testing.T) {
	t.Setenv("WORKER_ID", "")
	t.Setenv("DYNO", "web.1")
	if got := ID("fallback"); got != "web.1" {
		t.Fatalf("expected web.1, got %s", got)
	}
}
