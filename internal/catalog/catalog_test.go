package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	plan, err := c.Plan("fd-premium")
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if Naira(plan.Minimum).Display() != "₦6,000,000" {
		t.Fatalf("unexpected premium minimum %d", plan.Minimum)
	}
	if name, ok := c.BankName("999999"); !ok || name != "ValarPay" {
		t.Fatalf("expected ValarPay bank, got %q", name)
	}
	if len(c.BillersIn(CategoryCable)) == 0 || len(c.BillersIn(CategoryEducation)) == 0 {
		t.Fatal("expected cable and education billers")
	}
	b, err := c.Biller(CategoryCable, "dstv")
	if err != nil {
		t.Fatalf("Biller returned error: %v", err)
	}
	if item, ok := b.Item("dstv-compact"); !ok || item.Amount != 15700 {
		t.Fatalf("unexpected dstv item %+v", item)
	}
}

func TestLookupsReportNotFound(t *testing.T) {
	c := Default()
	if _, err := c.Plan("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Biller(CategoryBetting, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	body := []byte("banks:\n  - code: \"001\"\n    name: Test Bank\ngiftCards:\n  - id: demo\n    name: Demo\n    denominations: [1000]\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	g, err := c.GiftCard("demo")
	if err != nil || g.DenominationOptions()[0] != "1000" {
		t.Fatalf("unexpected gift card %+v, err=%v", g, err)
	}
}

func TestParseRejectsUnknownKeysAndBadData(t *testing.T) {
	if _, err := Parse([]byte("banks: []\n")); err == nil {
		t.Fatal("expected empty bank list to be rejected")
	}
	if _, err := Parse([]byte("banks:\n  - code: \"1\"\n    name: A\nsurprise: true\n")); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}
