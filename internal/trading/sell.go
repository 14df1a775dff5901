package trading

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/storage"
)

// SellRepository extends the executor repository with the reads the sell path
// needs plus the reducer transaction.
type SellRepository interface {
	Repository
	TxRepository
	OpenTrades(ctx context.Context, userID, walletID, mint, strategy string) ([]*storage.Trade, error)
}

// SellParams describe one sell-side execution: swap the tokens, then debit
// the open lots FIFO inside one transaction.
type SellParams struct {
	UserID   string
	WalletID string
	Mint     string
	Strategy string

	// One of Percent (0..1] or Amount (raw token units).
	Percent float64
	Amount  uint64

	TriggerType string
	Slippage    float64
	Simulated   bool
}

// SellResult reports the swap and the reduction it settled into.
type SellResult struct {
	TxHash    string
	Reduction *Reduction
}

// quoter is satisfied by the aggregator swapper.
type quoter interface {
	GetQuote(ctx context.Context, p aggregator.QuoteParams) (*aggregator.Quote, error)
}

// ExecSell closes or trims a position: kill switch, key load, token→SOL swap
// through the quorum path, then the FIFO reduction with the achieved exit
// price.
func (e *Executor) ExecSell(ctx context.Context, p SellParams) (*SellResult, error) {
	sellRepo, ok := e.repo.(SellRepository)
	if !ok {
		return nil, fmt.Errorf("repository does not support sell operations")
	}

	if e.killSwitch.Load() && !p.Simulated {
		return nil, ErrKillSwitchActive
	}
	if e.coolOff.Active(p.Mint) {
		return nil, &CoolOffError{Mint: p.Mint}
	}

	lots, err := sellRepo.OpenTrades(ctx, p.UserID, p.WalletID, p.Mint, p.Strategy)
	if err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	if len(lots) == 0 {
		// A concurrent close got here first.
		return &SellResult{Reduction: &Reduction{}}, nil
	}

	var total uint64
	decimals := lots[0].Decimals
	for _, lot := range lots {
		total += lot.OutAmount
	}
	amount := p.Amount
	if amount == 0 {
		amount = uint64(math.Round(p.Percent * float64(total)))
	}
	if amount == 0 || amount > total {
		amount = total
	}

	quotes, ok := e.swapper.(quoter)
	if !ok {
		return nil, fmt.Errorf("swapper does not expose quotes")
	}
	quote, err := quotes.GetQuote(ctx, aggregator.QuoteParams{
		InputMint:   p.Mint,
		OutputMint:  aggregator.SOLMint,
		Amount:      amount,
		SlippageBps: int(p.Slippage * 100),
	})
	if err != nil {
		return nil, &QuoteUnavailableError{Mint: p.Mint, Err: err}
	}

	var txHash string
	if p.Simulated {
		txHash = "sim-" + uuid.NewString()
	} else {
		wallet, err := sellRepo.GetWallet(ctx, p.WalletID)
		if err != nil || wallet == nil {
			return nil, fmt.Errorf("load wallet %s: %w", p.WalletID, err)
		}
		prefs, err := sellRepo.GetUserPreference(ctx, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("load preferences: %w", err)
		}
		kp, err := e.keys.load(wallet, prefs)
		if err != nil {
			return nil, err
		}
		defer kp.Zeroise()

		txHash, err = e.broadcast(ctx, ExecTradeParams{Quote: quote, Mint: p.Mint},
			kp, prefs.MEVMode == "secure", prefs.DefaultPriorityFee, prefs.BriberyAmount)
		if err != nil {
			e.coolOff.Set(p.Mint)
			classified := blockchain.ClassifyTxError(err)
			return nil, &SwapError{Mint: p.Mint, Class: classified.Class, Detail: classified.Message, Err: err}
		}
	}

	// Achieved exit price from the quote: SOL received per token sold.
	solUi := float64(quote.OutAmountUint64()) / 1e9
	tokenUi := float64(amount) / math.Pow10(decimals)
	var exitPrice, exitPriceUSD float64
	if tokenUi > 0 {
		exitPrice = solUi / tokenUi
		exitPriceUSD = exitPrice * e.inputPriceUSD(ctx, p.UserID, aggregator.SOLMint)
	}

	reduction, err := Reduce(ctx, sellRepo, ReduceParams{
		UserID:       p.UserID,
		WalletID:     p.WalletID,
		Mint:         p.Mint,
		Strategy:     p.Strategy,
		Amount:       amount,
		ExitPrice:    exitPrice,
		ExitPriceUSD: exitPriceUSD,
		TxHash:       txHash,
		TriggerType:  p.TriggerType,
		Decimals:     decimals,
	})
	if err != nil {
		return nil, err
	}

	e.notifier.Notify(alert.Alert{
		UserID:    p.UserID,
		Category:  p.TriggerType + "-sell",
		Strategy:  p.Strategy,
		Mint:      p.Mint,
		AmountUI:  tokenUi,
		TxHash:    txHash,
		Simulated: p.Simulated,
	})
	e.snapshotNetWorth(ctx, p.UserID, p.WalletID)

	log.Info().
		Str("mint", p.Mint).
		Str("trigger", p.TriggerType).
		Str("txHash", txHash).
		Uint64("amount", amount).
		Msg("position sold")

	return &SellResult{TxHash: txHash, Reduction: reduction}, nil
}

// ReduceOnly runs the FIFO reduction without a swap (externally settled
// exits, rebalancer trims).
func (e *Executor) ReduceOnly(ctx context.Context, p ReduceParams) (*Reduction, error) {
	sellRepo, ok := e.repo.(SellRepository)
	if !ok {
		return nil, fmt.Errorf("repository does not support sell operations")
	}
	return Reduce(ctx, sellRepo, p)
}
