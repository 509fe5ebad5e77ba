package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordGatewayCall(t *testing.T) {
	before := testutil.ToFloat64(GatewayRequests.WithLabelValues("capture", "success"))
	RecordGatewayCall("capture", "success", 20*time.Millisecond)
	after := testutil.ToFloat64(GatewayRequests.WithLabelValues("capture", "success"))
	if after-before != 1 {
		t.Errorf("Expected counter to increase by 1, got %v", after-before)
	}
}

func TestRecordSettlement(t *testing.T) {
	tests := []struct {
		mode   string
		result string
	}{
		{"capture", "settled"},
		{"cancel", "settled"},
		{"capture", "pending"},
	}
	for _, tt := range tests {
		before := testutil.ToFloat64(SettlementOutcomes.WithLabelValues(tt.mode, tt.result))
		RecordSettlement(tt.mode, tt.result)
		after := testutil.ToFloat64(SettlementOutcomes.WithLabelValues(tt.mode, tt.result))
		if after-before != 1 {
			t.Errorf("%s/%s: Expected +1, got %v", tt.mode, tt.result, after-before)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "/v1/events", "200"))
	RecordHTTPRequest("GET", "/v1/events", "200", time.Millisecond)
	if got := testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "/v1/events", "200")) - before; got != 1 {
		t.Errorf("Expected +1, got %v", got)
	}
}
