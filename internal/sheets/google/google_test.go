package google

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
	"finbot/internal/log"

	goption "google.golang.org/api/option"
)

type fakeSheets struct {
	mu       sync.Mutex
	header   []any
	appended [][]any
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet:
		values := [][]any{}
		if f.header != nil {
			values = append(values, f.header)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"values": values})

	case r.Method == http.MethodPut:
		var body struct {
			Values [][]any `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.header = body.Values[0]
		_ = json.NewEncoder(w).Encode(map[string]any{})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":append"):
		var body struct {
			Values [][]any `json:"values"`
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		f.appended = append(f.appended, body.Values...)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"updates": map[string]any{"updatedRange": "Transactions!A2:F2"},
		})

	default:
		http.Error(w, "unexpected request", http.StatusBadRequest)
	}
}

func newTestClient(t *testing.T, fake *fakeSheets) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Config{SpreadsheetID: "sheet-id", Logger: log.Discard()},
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithoutAuthentication(),
		goption.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClientEnsureHeader(t *testing.T) {
	fake := &fakeSheets{}
	c := newTestClient(t, fake)

	if err := c.EnsureHeader(context.Background()); err != nil {
		t.Fatalf("EnsureHeader: %v", err)
	}
	if len(fake.header) != 6 || fake.header[0] != "user_id" {
		t.Fatalf("header = %v", fake.header)
	}
	if err := c.EnsureHeader(context.Background()); err != nil {
		t.Fatalf("second EnsureHeader: %v", err)
	}
}

func TestClientAppendTransaction(t *testing.T) {
	fake := &fakeSheets{}
	c := newTestClient(t, fake)

	tx := core.Transaction{
		Kind:        core.Income,
		Category:    "salary",
		Amount:      decimal.RequireFromString("2500"),
		Description: "june",
		CreatedAt:   time.Date(2024, 6, 28, 9, 0, 0, 0, time.UTC),
	}
	ref, err := c.AppendTransaction(context.Background(), "7", tx)
	if err != nil {
		t.Fatalf("AppendTransaction: %v", err)
	}
	if ref != "Transactions!A2:F2" {
		t.Fatalf("ref = %q", ref)
	}
	if len(fake.appended) != 1 {
		t.Fatalf("appended %d rows", len(fake.appended))
	}
	row := fake.appended[0]
	if row[0] != "7" || row[2] != "income" || row[4] != "2500.00" || row[5] != "june" {
		t.Fatalf("row = %v", row)
	}
}

func TestClientRejectsInvalidTransaction(t *testing.T) {
	c := newTestClient(t, &fakeSheets{})
	_, err := c.AppendTransaction(context.Background(), "7", core.Transaction{Kind: core.Expense})
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("got %v", err)
	}
}

func TestNewRequiresSpreadsheetID(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error")
	}
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_JSON", "")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_FILE", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	if _, err := NewFromEnv(context.Background(), Config{SpreadsheetID: "x"}); err == nil ||
		!strings.Contains(err.Error(), "missing service account credentials") {
		t.Fatalf("got %v", err)
	}
}

func TestRanges(t *testing.T) {
	tests := []struct {
		sheet, header, data string
	}{
		{"Transactions", "Transactions!A1:F1", "Transactions!A:F"},
		{"My Ledger", "'My Ledger'!A1:F1", "'My Ledger'!A:F"},
		{"Bob's", "'Bob''s'!A1:F1", "'Bob''s'!A:F"},
	}
	for _, tt := range tests {
		if got := headerRange(tt.sheet); got != tt.header {
			t.Errorf("headerRange(%q) = %q, want %q", tt.sheet, got, tt.header)
		}
		if got := dataRange(tt.sheet); got != tt.data {
			t.Errorf("dataRange(%q) = %q, want %q", tt.sheet, got, tt.data)
		}
	}
}
