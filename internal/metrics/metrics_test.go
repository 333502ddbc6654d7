package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	t.Parallel()
	c := NewCollector()

	c.RecordCommand("RETR", true, 5*time.Millisecond)
	c.RecordCommand("RETR", true, 7*time.Millisecond)
	c.RecordTransfer("RETR", 1024, 100*time.Millisecond)
	c.RecordConnection(true, "accepted")
	c.RecordConnection(false, "ip_blocked")
	c.RecordAuthentication(true, "admin")
	c.RecordAuthentication(false, "admin")
	c.SetActiveSessions(3)

	if got := testutil.ToFloat64(c.commands.WithLabelValues("RETR")); got != 2 {
		t.Errorf("commands = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.transferBytes.WithLabelValues("RETR")); got != 1024 {
		t.Errorf("transfer bytes = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(c.connections.WithLabelValues("ip_blocked")); got != 1 {
		t.Errorf("blocked connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.authentication.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed auth = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.activeSessions); got != 3 {
		t.Errorf("active sessions = %v, want 3", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.SetActiveSessions(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "ftpd_active_sessions 1") {
		t.Errorf("exposition missing gauge:\n%s", body)
	}
}
