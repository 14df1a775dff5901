package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Pool fans signed transactions out to several RPC endpoints and resolves as
// soon as a quorum of them acknowledge. Landing a swap during congestion is a
// race against the leader schedule, so the pool staggers sends slightly to
// avoid hammering every endpoint at the same instant while still racing them.

// SendFunc submits one raw transaction to one endpoint and returns the
// signature string the node reported.
type SendFunc func(ctx context.Context, rawBase64 string) (string, error)

// Endpoint is one RPC target plus its health counters.
type Endpoint struct {
	URL       string
	send      SendFunc
	successes atomic.Int64
	errors    atomic.Int64
}

// Successes returns the endpoint's acknowledgement count.
func (e *Endpoint) Successes() int64 { return e.successes.Load() }

// Errors returns the endpoint's failure count.
func (e *Endpoint) Errors() int64 { return e.errors.Load() }

// Pool holds an ordered endpoint list with a round-robin cursor.
type Pool struct {
	endpoints []*Endpoint
	cursor    atomic.Uint64
}

// Options configure one quorum broadcast.
type Options struct {
	Quorum                    int
	MaxFanout                 int
	StaggerMs                 int
	Timeout                   time.Duration
	TreatAlreadyProcessedAsOk bool
	// SigHint is returned when no endpoint reports a parseable base58
	// signature (some private relays answer with opaque acks).
	SigHint string
}

// SentinelOK is resolved when the quorum succeeded but neither the endpoints
// nor the caller supplied a signature.
const SentinelOK = "ok"

// Env knob names; see also FromEnv.
const (
	EnvEndpoints = "RPC_POOL_ENDPOINTS"
	EnvQuorum    = "RPC_POOL_QUORUM"
	EnvMaxFanout = "RPC_POOL_MAX_FANOUT"
	EnvStaggerMs = "RPC_POOL_STAGGER_MS"
	EnvTimeoutMs = "RPC_POOL_TIMEOUT_MS"
)

// ErrNoEndpoints is returned when the pool is empty.
var ErrNoEndpoints = errors.New("rpcpool: no endpoints configured")

// QuorumError carries partial-acknowledgement detail on failure.
type QuorumError struct {
	Needed  int
	Acked   int
	First   error
	TimedOut bool
}

func (e *QuorumError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("rpcpool: quorum timeout (%d/%d acks): %v", e.Acked, e.Needed, e.First)
	}
	return fmt.Sprintf("rpcpool: quorum failed (%d/%d acks): %v", e.Acked, e.Needed, e.First)
}

func (e *QuorumError) Unwrap() error { return e.First }

// New builds a pool with the default JSON-RPC sendTransaction sender.
func New(urls []string) *Pool {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	eps := make([]*Endpoint, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		url := u
		eps = append(eps, &Endpoint{URL: url, send: jsonRPCSender(client, url)})
	}
	return &Pool{endpoints: eps}
}

// NewWithSenders builds a pool with injected senders (tests, private relays).
func NewWithSenders(urls []string, senders []SendFunc) *Pool {
	eps := make([]*Endpoint, len(urls))
	for i, u := range urls {
		eps[i] = &Endpoint{URL: u, send: senders[i]}
	}
	return &Pool{endpoints: eps}
}

// FromEnv constructs a pool and options from RPC_POOL_* variables. Returns a
// nil pool when no endpoints are configured.
func FromEnv() (*Pool, Options) {
	opts := Options{TreatAlreadyProcessedAsOk: true}
	csv := os.Getenv(EnvEndpoints)
	if csv == "" {
		return nil, opts
	}
	pool := New(strings.Split(csv, ","))
	if len(pool.endpoints) == 0 {
		return nil, opts
	}
	if v, err := strconv.Atoi(os.Getenv(EnvQuorum)); err == nil && v > 0 {
		opts.Quorum = v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvMaxFanout)); err == nil && v > 0 {
		opts.MaxFanout = v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvStaggerMs)); err == nil && v >= 0 {
		opts.StaggerMs = v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvTimeoutMs)); err == nil && v > 0 {
		opts.Timeout = time.Duration(v) * time.Millisecond
	}
	return pool, opts
}

// Size returns the endpoint count.
func (p *Pool) Size() int { return len(p.endpoints) }

// Endpoints returns the endpoint list for telemetry.
func (p *Pool) Endpoints() []*Endpoint { return p.endpoints }

// Get returns the next endpoint round-robin, or nil when the pool is empty.
func (p *Pool) Get() *Endpoint {
	if len(p.endpoints) == 0 {
		return nil
	}
	idx := p.cursor.Add(1) - 1
	return p.endpoints[idx%uint64(len(p.endpoints))]
}

type sendResult struct {
	sig string
	err error
}

// SendRawTransactionQuorum broadcasts raw (base64) to up to MaxFanout
// endpoints and resolves once Quorum of them acknowledge.
func (p *Pool) SendRawTransactionQuorum(ctx context.Context, raw string, opts Options) (string, error) {
	if len(p.endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	fanout := opts.MaxFanout
	if fanout <= 0 || fanout > len(p.endpoints) {
		fanout = len(p.endpoints)
	}
	quorum := opts.Quorum
	if quorum <= 0 {
		quorum = 1
	}
	if quorum > fanout {
		quorum = fanout
	}
	stagger := time.Duration(opts.StaggerMs) * time.Millisecond
	if opts.StaggerMs == 0 {
		stagger = 50 * time.Millisecond
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := int(p.cursor.Add(1)-1) % len(p.endpoints)
	results := make(chan sendResult, fanout)
	var wg sync.WaitGroup

	for i := 0; i < fanout; i++ {
		ep := p.endpoints[(start+i)%len(p.endpoints)]
		delay := time.Duration(i)*stagger + time.Duration(rand.Intn(6))*time.Millisecond

		wg.Add(1)
		go func(ep *Endpoint, delay time.Duration) {
			defer wg.Done()
			if delay > 0 {
				select {
				case <-ctx.Done():
					results <- sendResult{err: ctx.Err()}
					return
				case <-time.After(delay):
				}
			}

			sig, err := ep.send(ctx, raw)
			if err != nil && opts.TreatAlreadyProcessedAsOk && isAlreadyProcessed(err) {
				sig, err = "", nil
			}
			if err != nil {
				ep.errors.Add(1)
				results <- sendResult{err: err}
				return
			}
			ep.successes.Add(1)
			results <- sendResult{sig: sig}
		}(ep, delay)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		acks     int
		failures int
		firstSig string
		firstErr error
	)

	resolve := func() string {
		if firstSig != "" {
			return firstSig
		}
		if opts.SigHint != "" {
			return opts.SigHint
		}
		return SentinelOK
	}

	for {
		select {
		case <-ctx.Done():
			// Deadline: resolve with whatever succeeded, else fail.
			if acks > 0 {
				return resolve(), nil
			}
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			return "", &QuorumError{Needed: quorum, Acked: acks, First: firstErr, TimedOut: true}

		case res, ok := <-results:
			if !ok {
				if acks > 0 {
					return resolve(), nil
				}
				return "", &QuorumError{Needed: quorum, Acked: acks, First: firstErr}
			}
			if res.err != nil {
				failures++
				if firstErr == nil {
					firstErr = res.err
				}
				// Short-circuit: not enough endpoints left to reach quorum.
				if fanout-failures < quorum && acks == 0 {
					return "", &QuorumError{Needed: quorum, Acked: acks, First: firstErr}
				}
				continue
			}

			acks++
			if firstSig == "" && isBase58Signature(res.sig) {
				firstSig = res.sig
			}
			if acks >= quorum {
				log.Debug().Int("acks", acks).Int("quorum", quorum).Msg("quorum reached")
				return resolve(), nil
			}
		}
	}
}

var alreadyProcessedMarkers = []string{
	"already processed",
	"already known",
	"transaction signature already",
	"in block",
}

func isAlreadyProcessed(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range alreadyProcessedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isBase58Signature reports whether s is base58-decodable. Opaque relay acks
// (empty or structured) fail this and fall through to SigHint.
func isBase58Signature(s string) bool {
	if s == "" {
		return false
	}
	raw, err := base58.Decode(s)
	return err == nil && len(raw) > 0
}

// jsonRPCSender builds the default sendTransaction sender for one endpoint.
func jsonRPCSender(client *http.Client, url string) SendFunc {
	return func(ctx context.Context, rawBase64 string) (string, error) {
		reqBody, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"method":  "sendTransaction",
			"params": []interface{}{
				rawBase64,
				map[string]interface{}{
					"encoding":            "base64",
					"skipPreflight":       true,
					"preflightCommitment": "processed",
					"maxRetries":          0,
				},
			},
		})
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return "", fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
		}

		var rpcResp struct {
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if rpcResp.Error != nil {
			return "", fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}

		var sig string
		if err := json.Unmarshal(rpcResp.Result, &sig); err != nil {
			// Opaque result shape; the quorum layer falls back to SigHint.
			return "", nil
		}
		return sig, nil
	}
}
