package market

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/models"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// seedResolver writes a scrip master cache so no download happens
func seedResolver(t *testing.T, rows []scripRow) *ScripResolver {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("marshal rows: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "OpenAPIScripMaster.json"), data, 0o600); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	return NewScripResolver(dir, testLogger())
}

func TestScripResolver_Resolve(t *testing.T) {
	r := seedResolver(t, []scripRow{
		{Token: "43001", Symbol: "NIFTY28AUG2526350CE", Name: "NIFTY", Expiry: "28AUG2025",
			Strike: "2635000.000000", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
		{Token: "43002", Symbol: "NIFTY28AUG2526100PE", Name: "NIFTY", Expiry: "28AUG2025",
			Strike: "2610000.000000", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
		// Different expiry, must not match
		{Token: "43003", Symbol: "NIFTY04SEP2526350CE", Name: "NIFTY", Expiry: "04SEP2025",
			Strike: "2635000.000000", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
	})

	inst, err := r.Resolve(context.Background(), "NIFTY", 26350, models.KindCall, "28AUG2025")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if inst.Token != "43001" || inst.Exchange != "NFO" || inst.Strike != 26350 {
		t.Errorf("Resolved wrong instrument: %+v", inst)
	}

	if _, err := r.Resolve(context.Background(), "NIFTY", 99999, models.KindCall, "28AUG2025"); err == nil {
		t.Error("Unknown strike should fail")
	}
	if _, err := r.Resolve(context.Background(), "BANKNIFTY", 26350, models.KindCall, "28AUG2025"); err == nil {
		t.Error("Unsupported index should fail")
	}
}

func TestScripResolver_NextExpiry(t *testing.T) {
	r := seedResolver(t, []scripRow{
		{Token: "1", Symbol: "NIFTY28AUG2526350CE", Name: "NIFTY", Expiry: "28AUG2025",
			Strike: "2635000.000000", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
		{Token: "2", Symbol: "NIFTY04SEP2526350CE", Name: "NIFTY", Expiry: "04SEP2025",
			Strike: "2635000.000000", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
		{Token: "3", Symbol: "NIFTY21AUG2526350CE", Name: "NIFTY", Expiry: "21AUG2025",
			Strike: "2635000.000000", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
	})

	got, err := r.NextExpiry(context.Background(), "NIFTY", time.Date(2025, 8, 25, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextExpiry failed: %v", err)
	}
	if got != "28AUG2025" {
		t.Errorf("NextExpiry = %s, want 28AUG2025", got)
	}

	// On the expiry day itself it is still selectable
	got, err = r.NextExpiry(context.Background(), "NIFTY", time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextExpiry failed: %v", err)
	}
	if got != "04SEP2025" {
		t.Errorf("NextExpiry = %s, want 04SEP2025", got)
	}

	if _, err := r.NextExpiry(context.Background(), "NIFTY", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Error("No future expiry should fail")
	}
}
