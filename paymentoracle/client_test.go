package paymentoracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetTransactionStatusSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/tx-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("expected bearer header, got %q", got)
		}
		w.Write([]byte(`{"status":"mined","transactionHash":"0xabc"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	status, err := client.GetTransactionStatus(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("GetTransactionStatus: %v", err)
	}
	if status.RawStatus != "mined" || status.TransactionHash != "0xabc" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetTransactionStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.GetTransactionStatus(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTransactionStatusUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.GetTransactionStatus(context.Background(), "tx-1"); err == nil {
		t.Fatal("expected an error for a 5xx response")
	}
}

func TestGetTransactionStatusRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.GetTransactionStatus(context.Background(), "tx-1"); err == nil {
		t.Fatal("expected an error for a 4xx response")
	}
}

func TestNormalizeKnownStatuses(t *testing.T) {
	cases := map[string]Normalized{
		"mined":                Confirmed,
		"Confirmed":            Confirmed,
		" success ":            Confirmed,
		"failed":               Failed,
		"ERROR":                Failed,
		"rejected":             Failed,
		"expired":              Cancelled,
		"cancelled":            Cancelled,
		"canceled":             Cancelled,
		"declined":             Cancelled,
		"pending":              Pending,
		"submitted":            Pending,
		"pending_confirmation": Pending,
	}
	for raw, want := range cases {
		if got := Normalize(raw); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeUnrecognizedDefaultsToPendingNeverConfirmed(t *testing.T) {
	if got := Normalize("some_unknown_vendor_status"); got != Pending {
		t.Fatalf("expected unrecognized status to default to pending, got %q", got)
	}
}
