package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ghettovoice/sipua/metrics"
	"github.com/ghettovoice/sipua/sip"
)

func TestCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	c, err := metrics.New(reg, "test")
	if err != nil {
		t.Fatalf("metrics.New() error = %v, want nil", err)
	}

	u, err := sip.ParseURI("sip:bob@example.com")
	if err != nil {
		t.Fatalf("sip.ParseURI() error = %v, want nil", err)
	}
	req := sip.NewRequest(sip.MethodInvite, u)
	req.Header.Set("CSeq", "1 INVITE")
	c.ObserveMessage(metrics.Outbound, req)
	c.ObserveMessage(metrics.Outbound, req)
	c.ObserveMessage(metrics.Inbound, req.NewResponse(sip.StatusRinging, ""))
	c.TransactionCreated(sip.TransactionTypeClientInvite)
	c.SessionFinished("outgoing", "ended", "Terminated", 3*time.Second)
	c.SetActive(1, 2, 3)

	want := `
# HELP test_sip_messages_total Total number of SIP messages by direction, method and status code.
# TYPE test_sip_messages_total counter
test_sip_messages_total{direction="in",method="INVITE",status="180"} 1
test_sip_messages_total{direction="out",method="INVITE",status=""} 2
# HELP test_dialogs_active Number of live dialogs.
# TYPE test_dialogs_active gauge
test_dialogs_active 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "test_sip_messages_total", "test_dialogs_active"); err != nil {
		t.Fatalf("unexpected metrics:\n%v", err)
	}
	if n := testutil.CollectAndCount(reg, "test_sessions_total"); n != 1 {
		t.Fatalf("sessions_total series = %d, want 1", n)
	}
}

func TestCollector_Nil(t *testing.T) {
	t.Parallel()

	var c *metrics.Collector
	c.ObserveMessage(metrics.Inbound, nil)
	c.TransactionCreated(sip.TransactionTypeServerInvite)
	c.SessionFinished("incoming", "failed", "Busy", 0)
	c.RegistrationResult("registered")
	c.SetActive(0, 0, 0)
}

func TestNew_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := metrics.New(reg, "dup"); err != nil {
		t.Fatalf("metrics.New() error = %v, want nil", err)
	}
	if _, err := metrics.New(reg, "dup"); err == nil {
		t.Fatal("metrics.New() twice error = nil, want error")
	}
}
