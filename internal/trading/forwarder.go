package trading

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/storage"
)

// WalletForwarder sweeps a stealth wallet to a cold destination: purchased
// SPL tokens first, then USDC, then SOL down to the configured floor. The
// destination must already hold token accounts for swept mints; the forwarder
// resolves them over RPC and skips mints without one.
type WalletForwarder struct {
	repo        Repository
	rpc         *blockchain.RPCClient
	blockhashes *blockchain.BlockhashCache
	keys        keyLoader
}

// NewWalletForwarder wires the sweep path. blockhashes may be nil; transfers
// then fetch a fresh blockhash per send.
func NewWalletForwarder(repo Repository, rpc *blockchain.RPCClient, blockhashes *blockchain.BlockhashCache, exec *Executor) *WalletForwarder {
	return &WalletForwarder{repo: repo, rpc: rpc, blockhashes: blockhashes, keys: exec.keys}
}

func (f *WalletForwarder) recentBlockhash(ctx context.Context) (string, error) {
	if f.blockhashes != nil {
		return f.blockhashes.Get()
	}
	hash, _, err := f.rpc.LatestBlockhash(ctx)
	return hash, err
}

// ForwardAll sweeps one wallet's holdings to dest, leaving solFloorLamports
// behind for fees.
func (f *WalletForwarder) ForwardAll(ctx context.Context, userID, walletID, dest string, solFloorLamports uint64) error {
	wallet, err := f.repo.GetWallet(ctx, walletID)
	if err != nil || wallet == nil {
		return fmt.Errorf("load wallet %s: %w", walletID, err)
	}
	prefs, err := f.repo.GetUserPreference(ctx, userID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	kp, err := f.keys.load(wallet, prefs)
	if err != nil {
		return err
	}
	defer kp.Zeroise()

	accounts, err := f.rpc.GetTokenAccountsByOwner(ctx, kp.Address(), "")
	if err != nil {
		return fmt.Errorf("scan token accounts: %w", err)
	}

	// SPL first, USDC second, SOL last.
	var usdc []blockchain.TokenAccountInfo
	for _, acc := range accounts {
		if acc.Amount == 0 {
			continue
		}
		if acc.Mint == aggregator.USDCMint {
			usdc = append(usdc, acc)
			continue
		}
		f.forwardToken(ctx, kp, acc, dest)
	}
	for _, acc := range usdc {
		f.forwardToken(ctx, kp, acc, dest)
	}

	return f.forwardSOL(ctx, kp, dest, solFloorLamports)
}

func (f *WalletForwarder) forwardToken(ctx context.Context, kp *blockchain.Keypair, acc blockchain.TokenAccountInfo, dest string) {
	destAccounts, err := f.rpc.GetTokenAccountsByOwner(ctx, dest, acc.Mint)
	if err != nil || len(destAccounts) == 0 {
		log.Warn().Str("mint", acc.Mint).Str("dest", dest).Msg("forward skipped: destination has no token account")
		return
	}

	blockhash, err := f.recentBlockhash(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("forward skipped: blockhash unavailable")
		return
	}
	tx, err := blockchain.BuildSPLTransfer(kp, acc.Address, destAccounts[0].Address, acc.Amount, blockhash)
	if err != nil {
		log.Warn().Err(err).Str("mint", acc.Mint).Msg("forward build failed")
		return
	}
	sig, err := f.rpc.SendTransaction(ctx, tx, true)
	if err != nil {
		log.Warn().Err(err).Str("mint", acc.Mint).Msg("forward send failed")
		return
	}
	log.Info().Str("mint", acc.Mint).Uint64("amount", acc.Amount).Str("txSig", sig).Msg("tokens forwarded")
}

func (f *WalletForwarder) forwardSOL(ctx context.Context, kp *blockchain.Keypair, dest string, floorLamports uint64) error {
	balance, err := f.rpc.GetBalance(ctx, kp.Address())
	if err != nil {
		return fmt.Errorf("balance read: %w", err)
	}
	if floorLamports == 0 {
		floorLamports = 5_000_000 // keep ~0.005 SOL for fees
	}
	if balance <= floorLamports {
		return nil
	}

	blockhash, err := f.recentBlockhash(ctx)
	if err != nil {
		return err
	}
	tx, err := blockchain.BuildSOLTransfer(kp, dest, balance-floorLamports, blockhash)
	if err != nil {
		return err
	}
	sig, err := f.rpc.SendTransaction(ctx, tx, true)
	if err != nil {
		return fmt.Errorf("sol forward: %w", err)
	}
	log.Info().Uint64("lamports", balance-floorLamports).Str("txSig", sig).Msg("sol forwarded")
	return nil
}
