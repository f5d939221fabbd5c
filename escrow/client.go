// Package escrow is the thin interface to on-chain settlement. The
// actual contract is out of scope; Client is implemented here as an
// HTTP-RPC boundary to a settlement backend, mirroring how the
// teacher's broker.Repository treats an external read-only dependency
// as a narrow interface rather than an embedded client library.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MatchRecord is getMatch's result shape.
type MatchRecord struct {
	Player1       string
	Player2       string
	StakeAmount   float64
	Player1Staked bool
	Player2Staked bool
	Completed     bool
	Cancelled     bool
}

// StakeStatus is verifyStakeStatus's result shape.
type StakeStatus struct {
	HasStakes     bool
	Player1Staked bool
	Player2Staked bool
}

// Result is the uniform return shape for every mutating operation.
type Result struct {
	OK     bool
	TxHash string
}

// Client is the escrow boundary the orchestrator depends on.
type Client interface {
	CreateMatch(ctx context.Context, matchID, p1Wallet, p2Wallet string, stake float64) (Result, error)
	CompleteMatch(ctx context.Context, matchID, winnerWallet string) (Result, error)
	SplitPot(ctx context.Context, matchID string) (Result, error)
	CancelMatch(ctx context.Context, matchID string) (Result, error)
	GetMatch(ctx context.Context, matchID string) (*MatchRecord, error)
	VerifyStakeStatus(ctx context.Context, matchID string) (StakeStatus, error)
}

// HTTPClient calls a settlement backend fronting the on-chain contract
// at contractAddress over rpcURL.
type HTTPClient struct {
	httpClient      *http.Client
	rpcURL          string
	contractAddress string
}

func NewHTTPClient(rpcURL, contractAddress string) *HTTPClient {
	return &HTTPClient{
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		rpcURL:          rpcURL,
		contractAddress: contractAddress,
	}
}

func (c *HTTPClient) CreateMatch(ctx context.Context, matchID, p1Wallet, p2Wallet string, stake float64) (Result, error) {
	return c.call(ctx, "createMatch", map[string]any{
		"matchId": matchID, "player1Wallet": p1Wallet, "player2Wallet": p2Wallet, "stake": stake,
	})
}

func (c *HTTPClient) CompleteMatch(ctx context.Context, matchID, winnerWallet string) (Result, error) {
	return c.call(ctx, "completeMatch", map[string]any{"matchId": matchID, "winnerWallet": winnerWallet})
}

func (c *HTTPClient) SplitPot(ctx context.Context, matchID string) (Result, error) {
	return c.call(ctx, "splitPot", map[string]any{"matchId": matchID})
}

func (c *HTTPClient) CancelMatch(ctx context.Context, matchID string) (Result, error) {
	return c.call(ctx, "cancelMatch", map[string]any{"matchId": matchID})
}

func (c *HTTPClient) GetMatch(ctx context.Context, matchID string) (*MatchRecord, error) {
	var out MatchRecord
	found, err := c.get(ctx, "getMatch", matchID, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

func (c *HTTPClient) VerifyStakeStatus(ctx context.Context, matchID string) (StakeStatus, error) {
	m, err := c.GetMatch(ctx, matchID)
	if err != nil {
		return StakeStatus{}, err
	}
	if m == nil {
		return StakeStatus{}, nil
	}
	return StakeStatus{
		HasStakes:     m.Player1Staked || m.Player2Staked,
		Player1Staked: m.Player1Staked,
		Player2Staked: m.Player2Staked,
	}, nil
}

func (c *HTTPClient) call(ctx context.Context, op string, params map[string]any) (Result, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return Result{}, fmt.Errorf("escrow: marshal %s params: %w", op, err)
	}

	url := fmt.Sprintf("%s/contracts/%s/%s", c.rpcURL, c.contractAddress, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("escrow: build request for %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("escrow: call %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("escrow: %s returned %d: %s", op, resp.StatusCode, string(b))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("escrow: decode %s response: %w", op, err)
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, op, matchID string, into *MatchRecord) (bool, error) {
	url := fmt.Sprintf("%s/contracts/%s/%s?matchId=%s", c.rpcURL, c.contractAddress, op, matchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("escrow: build request for %s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("escrow: call %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("escrow: %s returned %d: %s", op, resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return false, fmt.Errorf("escrow: decode %s response: %w", op, err)
	}
	return true, nil
}
