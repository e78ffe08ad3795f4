package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/infrastructure/postgres"
)

func TestDecodeImport(t *testing.T) {
	items, err := decodeImport(strings.NewReader(`[
		{"name": "Amoxicillin", "strength": "500mg", "form": "capsule",
		 "batches": [{"quantity": 20, "batchNumber": "A1", "expiryDate": "2027-01-31T00:00:00Z"}]},
		{"name": "Ibuprofen"}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Name != "Amoxicillin" || len(items[0].Batches) != 1 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Batches[0].ExpiryDate == nil || items[0].Batches[0].Quantity != 20 {
		t.Errorf("batch = %+v", items[0].Batches[0])
	}

	if _, err := decodeImport(strings.NewReader(`[{"name": "x", "colour": "red"}]`)); err == nil {
		t.Error("unknown field should be rejected")
	}
}

func TestPrintReorder(t *testing.T) {
	var buf bytes.Buffer
	printReorder(&buf, nil)
	if !strings.Contains(buf.String(), "No medicines at risk") {
		t.Errorf("empty report = %q", buf.String())
	}

	buf.Reset()
	expiry := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	printReorder(&buf, []catalog.RiskItem{{
		Medicine:      catalog.Medicine{Name: "Amoxicillin", Strength: "500mg"},
		TotalStock:    2,
		SoonestExpiry: &expiry,
		LowStock:      true,
		Label:         "Low stock",
	}})
	out := buf.String()
	for _, want := range []string{"MEDICINE", "Amoxicillin", "2026-11-01", "Low stock"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestPrintMigrations(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	printMigrations(&buf, []postgres.MigrationStatus{
		{Version: 1, Name: "catalog", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "prescriptions"},
	})
	out := buf.String()
	if !strings.Contains(out, "001") || !strings.Contains(out, "2026-01-02 03:04:05") || !strings.Contains(out, "pending") {
		t.Errorf("status table:\n%s", out)
	}
}
