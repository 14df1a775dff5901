package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetQuoteDefaultsSlippage(t *testing.T) {
	var gotSlippage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSlippage = r.URL.Query().Get("slippageBps")
		json.NewEncoder(w).Encode(Quote{
			InputMint:      r.URL.Query().Get("inputMint"),
			OutputMint:     r.URL.Query().Get("outputMint"),
			InAmount:       r.URL.Query().Get("amount"),
			OutAmount:      "123456",
			PriceImpactPct: "0.42",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, []string{"k1"})
	quote, err := c.GetQuote(context.Background(), QuoteParams{
		InputMint:  SOLMint,
		OutputMint: "MINT",
		Amount:     1_000_000,
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if gotSlippage != "100" {
		t.Fatalf("expected default 100 bps, got %q", gotSlippage)
	}
	if quote.OutAmountUint64() != 123456 {
		t.Fatalf("out amount parse: %d", quote.OutAmountUint64())
	}
	if quote.PriceImpact() != 0.42 {
		t.Fatalf("impact parse: %f", quote.PriceImpact())
	}
}

func TestGetQuotePropagatesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no route"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, []string{"k1"})
	if _, err := c.GetQuote(context.Background(), QuoteParams{InputMint: SOLMint, OutputMint: "M", Amount: 1}); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestBuildSwapTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swap" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["userPublicKey"] != "PUBKEY" {
			t.Errorf("missing user public key: %v", body["userPublicKey"])
		}
		if body["wrapAndUnwrapSol"] != true {
			t.Error("wrapAndUnwrapSol must be set")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"swapTransaction":      "BASE64TX",
			"lastValidBlockHeight": 987,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, []string{"k1"})
	tx, height, err := c.BuildSwapTransaction(context.Background(),
		&Quote{InputMint: SOLMint, OutputMint: "M", InAmount: "1", OutAmount: "2"},
		"PUBKEY", 0, 0, false)
	if err != nil {
		t.Fatalf("build swap: %v", err)
	}
	if tx != "BASE64TX" || height != 987 {
		t.Fatalf("unexpected response %q %d", tx, height)
	}
}

func TestAPIKeyRotation(t *testing.T) {
	c := NewClient("http://x", time.Second, []string{"a", "b", "c"})
	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		seen[c.getAPIKey()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("rotation should cycle all keys, saw %d", len(seen))
	}
}
