package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Storage, string) {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(store, nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, store, "http://" + srv.listener.Addr().String()
}

func seedSession(t *testing.T, store *storage.Storage, swapID string, status storage.Status) {
	t.Helper()
	rec := &storage.SessionRecord{
		SwapID:    swapID,
		Direction: "simA->simB",
		Status:    status,
		Hashlock:  "0xf00d",
		Preimage:  "deadbeef",
		Terms:     json.RawMessage(`{}`),
	}
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession(%s) error = %v", swapID, err)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	_, store, base := newTestServer(t)
	seedSession(t, store, "swap-1", storage.StatusDstEscrowCreated)
	seedSession(t, store, "swap-2", storage.StatusCompleted)

	var info StatusInfo
	if code := getJSON(t, base+"/v1/status", &info); code != http.StatusOK {
		t.Fatalf("GET /v1/status = %d, want 200", code)
	}
	if info.ActiveSwaps != 1 || info.FinishedSwaps != 1 {
		t.Errorf("status counts = (%d, %d), want (1, 1)", info.ActiveSwaps, info.FinishedSwaps)
	}
	if info.Time == 0 {
		t.Error("status time not set")
	}
}

func TestListSwapsEndpoint(t *testing.T) {
	_, store, base := newTestServer(t)
	for i := 0; i < 3; i++ {
		seedSession(t, store, fmt.Sprintf("swap-%d", i), storage.StatusPending)
	}

	var body struct {
		Swaps []*SessionView `json:"swaps"`
	}
	if code := getJSON(t, base+"/v1/swaps", &body); code != http.StatusOK {
		t.Fatalf("GET /v1/swaps = %d, want 200", code)
	}
	if len(body.Swaps) != 3 {
		t.Errorf("listed %d swaps, want 3", len(body.Swaps))
	}
}

func TestGetSwapEndpoint(t *testing.T) {
	_, store, base := newTestServer(t)
	seedSession(t, store, "swap-1", storage.StatusSecretRevealed)

	var raw map[string]any
	if code := getJSON(t, base+"/v1/swaps/swap-1", &raw); code != http.StatusOK {
		t.Fatalf("GET /v1/swaps/swap-1 = %d, want 200", code)
	}
	if raw["swap_id"] != "swap-1" {
		t.Errorf("swap_id = %v, want swap-1", raw["swap_id"])
	}
	if raw["status"] != string(storage.StatusSecretRevealed) {
		t.Errorf("status = %v, want %q", raw["status"], storage.StatusSecretRevealed)
	}

	// The swap secret must never cross the API boundary.
	if _, leaked := raw["preimage"]; leaked {
		t.Error("response exposes the stored preimage")
	}
}

func TestGetSwapNotFound(t *testing.T) {
	_, _, base := newTestServer(t)

	var body map[string]string
	if code := getJSON(t, base+"/v1/swaps/missing", &body); code != http.StatusNotFound {
		t.Fatalf("GET /v1/swaps/missing = %d, want 404", code)
	}
	if body["error"] == "" {
		t.Error("error body missing message")
	}
}

func TestCORSHeaders(t *testing.T) {
	_, _, base := newTestServer(t)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status error = %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
}
