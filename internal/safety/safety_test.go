package safety

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/oracle"
)

type fakeQuotes struct {
	quote *aggregator.Quote
	err   error
}

func (f *fakeQuotes) GetQuote(_ context.Context, _ aggregator.QuoteParams) (*aggregator.Quote, error) {
	return f.quote, f.err
}

type fakeRPC struct {
	account *blockchain.AccountInfo
	err     error
	holders []blockchain.TokenHolder
	supply  uint64
}

func (f *fakeRPC) GetAccountInfo(_ context.Context, _ string) (*blockchain.AccountInfo, error) {
	return f.account, f.err
}

func (f *fakeRPC) GetTokenLargestAccounts(_ context.Context, _ string) ([]blockchain.TokenHolder, error) {
	return f.holders, f.err
}

func (f *fakeRPC) GetTokenSupply(_ context.Context, _ string) (uint64, uint8, error) {
	return f.supply, 9, f.err
}

func mintAccount(mintTag, freezeTag uint32) []byte {
	data := make([]byte, 82)
	binary.LittleEndian.PutUint32(data[0:], mintTag)
	binary.LittleEndian.PutUint32(data[46:], freezeTag)
	return data
}

func TestLiquidityFailsBelowMin(t *testing.T) {
	o := oracle.NewStatic()
	o.Liq["MINT"] = 1200
	e := NewEngine(&fakeQuotes{}, o, &fakeRPC{})

	v := e.Evaluate(context.Background(), "MINT", Flags{Liquidity: true})
	if v.Passed {
		t.Fatal("expected liquidity failure")
	}
	if v.Checks[0].Key != "liquidity" {
		t.Fatalf("unexpected check key %q", v.Checks[0].Key)
	}
}

func TestLiquiditySoftPassWhenOracleDown(t *testing.T) {
	o := oracle.NewStatic() // no entry -> error
	e := NewEngine(&fakeQuotes{}, o, &fakeRPC{})

	v := e.Evaluate(context.Background(), "MINT", Flags{Liquidity: true})
	if !v.Passed {
		t.Fatal("oracle outage must soft-pass")
	}
	if v.Checks[0].Reason == "" {
		t.Fatal("soft pass must record a reason")
	}
}

func TestSimulationImpactFail(t *testing.T) {
	q := &aggregator.Quote{OutAmount: "900000000000", PriceImpactPct: "12.5"}
	e := NewEngine(&fakeQuotes{quote: q}, oracle.NewStatic(), &fakeRPC{})

	v := e.Evaluate(context.Background(), "MINT", Flags{Simulation: true})
	if v.Passed {
		t.Fatal("expected impact failure")
	}
}

func TestSimulationPasses(t *testing.T) {
	q := &aggregator.Quote{OutAmount: "900000000000", PriceImpactPct: "0.3"}
	o := oracle.NewStatic()
	o.Dec["MINT"] = 9
	e := NewEngine(&fakeQuotes{quote: q}, o, &fakeRPC{})

	v := e.Evaluate(context.Background(), "MINT", Flags{Simulation: true})
	if !v.Passed {
		t.Fatalf("expected pass, got %+v", v.Checks)
	}
}

func TestAuthorityRenouncedViaRPC(t *testing.T) {
	rpc := &fakeRPC{account: &blockchain.AccountInfo{Data: mintAccount(0, 0)}}
	e := NewEngine(&fakeQuotes{}, oracle.NewStatic(), rpc)

	v := e.Evaluate(context.Background(), "MINT", Flags{Authority: true})
	if !v.Passed {
		t.Fatalf("expected pass, got %+v", v.Checks)
	}
	if v.Checks[0].Source != "rpc" {
		t.Fatalf("expected rpc source, got %q", v.Checks[0].Source)
	}
}

func TestAuthorityLiveMintFails(t *testing.T) {
	rpc := &fakeRPC{account: &blockchain.AccountInfo{Data: mintAccount(1, 0)}}
	e := NewEngine(&fakeQuotes{}, oracle.NewStatic(), rpc)

	v := e.Evaluate(context.Background(), "MINT", Flags{Authority: true})
	if v.Passed {
		t.Fatal("live mint authority must fail")
	}
}

func TestAuthorityOracleDisagreementFallsBackToRPC(t *testing.T) {
	o := oracle.NewStatic()
	o.Meta["MINT"] = &oracle.TokenMeta{HasAuthorityData: true} // oracle says live
	rpc := &fakeRPC{account: &blockchain.AccountInfo{Data: mintAccount(0, 0)}}
	e := NewEngine(&fakeQuotes{}, o, rpc)

	v := e.Evaluate(context.Background(), "MINT", Flags{Authority: true})
	if !v.Passed {
		t.Fatal("rpc decode should override suspicious oracle verdict")
	}
	if v.Checks[0].Source != "rpc" {
		t.Fatalf("expected rpc source tag, got %q", v.Checks[0].Source)
	}
}

func TestTopHoldersViaRPC(t *testing.T) {
	rpc := &fakeRPC{
		holders: []blockchain.TokenHolder{{Amount: "700"}, {Amount: "100"}},
		supply:  1000,
	}
	e := NewEngine(&fakeQuotes{}, oracle.NewStatic(), rpc)

	v := e.Evaluate(context.Background(), "MINT", Flags{TopHolders: true})
	if v.Passed {
		t.Fatal("80% concentration must fail the default 60% threshold")
	}
}

func TestVerdictANDsAllSelected(t *testing.T) {
	o := oracle.NewStatic()
	o.Liq["MINT"] = 50000
	o.Meta["MINT"] = &oracle.TokenMeta{Twitter: "@tok", TopHoldersPct: 10}
	rpc := &fakeRPC{account: &blockchain.AccountInfo{Data: mintAccount(0, 0)}}
	q := &aggregator.Quote{OutAmount: "900000000000", PriceImpactPct: "0.1"}
	e := NewEngine(&fakeQuotes{quote: q}, o, rpc)

	v := e.Evaluate(context.Background(), "MINT", DefaultFlags())
	if !v.Passed {
		t.Fatalf("all checks should pass: %+v", v.Checks)
	}
	if len(v.Checks) != 5 {
		t.Fatalf("expected 5 checks, got %d", len(v.Checks))
	}
}

func TestSimulationSoftPassOnQuoteError(t *testing.T) {
	e := NewEngine(&fakeQuotes{err: errors.New("aggregator down")}, oracle.NewStatic(), &fakeRPC{})
	v := e.Evaluate(context.Background(), "MINT", Flags{Simulation: true})
	if !v.Passed {
		t.Fatal("aggregator outage must soft-pass")
	}
}
