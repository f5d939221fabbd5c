package escrow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientCreateMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/0xcontract/createMatch" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"ok":true,"txHash":"0xdead"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "0xcontract")
	result, err := client.CreateMatch(context.Background(), "match-1", "0x1", "0x2", 10)
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if !result.OK || result.TxHash != "0xdead" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHTTPClientCallErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "0xcontract")
	if _, err := client.CancelMatch(context.Background(), "match-1"); err == nil {
		t.Fatal("expected an error for a 5xx response")
	}
}

func TestHTTPClientGetMatchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "0xcontract")
	record, err := client.GetMatch(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record for a missing match, got %+v", record)
	}
}

func TestHTTPClientVerifyStakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Player1Staked":true,"Player2Staked":false}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "0xcontract")
	status, err := client.VerifyStakeStatus(context.Background(), "match-1")
	if err != nil {
		t.Fatalf("VerifyStakeStatus: %v", err)
	}
	if !status.HasStakes || !status.Player1Staked || status.Player2Staked {
		t.Fatalf("unexpected status: %+v", status)
	}
}
