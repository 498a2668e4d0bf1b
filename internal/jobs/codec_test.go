package jobs

import "testing"

func TestTriggerBulkScanPayload_RoundTrip(t *testing.T) {
	payload := TriggerBulkScanPayload{
		Name:        "weekly-top1m",
		RequestedBy: "admin-1",
	}

	raw, err := payload.ToJSONRaw()
	if err != nil {
		t.Fatalf("ToJSONRaw error: %v", err)
	}

	decoded, err := DecodeTriggerBulkScan(raw)
	if err != nil {
		t.Fatalf("DecodeTriggerBulkScan error: %v", err)
	}

	if decoded.Name != payload.Name {
		t.Fatalf("expected name %s, got %s", payload.Name, decoded.Name)
	}
}

func TestTriggerBulkScanPayload_RequiresName(t *testing.T) {
	_, err := DecodeTriggerBulkScan([]byte(`{"requestedBy":"admin-1"}`))
	if err == nil {
		t.Fatalf("expected error for missing name")
	}
	if err != ErrInvalidJobPayload {
		t.Fatalf("expected ErrInvalidJobPayload, got %v", err)
	}
}

func TestReprocessDeadScanJobsPayload_RequiresBulkScanID(t *testing.T) {
	_, err := DecodeReprocessDeadScanJobs([]byte(`{"requestedBy":"admin-1"}`))
	if err == nil {
		t.Fatalf("expected error for missing bulkScanId")
	}
	if err != ErrInvalidJobPayload {
		t.Fatalf("expected ErrInvalidJobPayload, got %v", err)
	}
}
