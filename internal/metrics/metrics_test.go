package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/duochat/chat-server/internal/delivery"
	"github.com/duochat/chat-server/internal/protocol"
)

func TestDeliveryObserver_CountsByKind(t *testing.T) {
	fwd := EventsRouted.WithLabelValues(protocol.TypeReceiveMessage, "missed", "forward")
	reply := EventsRouted.WithLabelValues(protocol.TypeMessageSent, "delivered", "reply")
	beforeFwd := testutil.ToFloat64(fwd)
	beforeReply := testutil.ToFloat64(reply)

	var o DeliveryObserver
	o.Observe(delivery.Delivery{To: 2, Event: protocol.ReceiveMessageMsg{}, Outcome: delivery.Missed})
	o.Observe(delivery.Delivery{Event: protocol.MessageSentMsg{}, Outcome: delivery.Delivered, Reply: true})

	if got := testutil.ToFloat64(fwd) - beforeFwd; got != 1 {
		t.Errorf("forward counter delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reply) - beforeReply; got != 1 {
		t.Errorf("reply counter delta = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObservePersist("create_message", time.Now().Add(-5*time.Millisecond))
	PolicyDenied.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		"duochat_persist_latency_seconds",
		"duochat_policy_denied_total",
		"duochat_connections_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in /metrics output", name)
		}
	}
}
