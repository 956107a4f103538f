package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"aegis/internal/rpcerr"
)

// Rotate swaps the executor's credential for a new one. The candidate
// profile is vetted with a live chain-id probe before it replaces the
// serving profile; a failed probe leaves the old credential in place and
// returns the probe's error.
func (e *Executor) Rotate(ctx context.Context, credential string) error {
	old := e.Profile()
	candidate := old.WithCredential(credential)
	if err := candidate.Validate(); err != nil {
		return err
	}
	if candidate.Credential == old.Credential {
		return nil
	}

	if err := e.vet(ctx, candidate.Endpoint(), candidate.ChainID); err != nil {
		e.logger.Warn("credential rotation rejected", zap.Error(err))
		return err
	}

	e.SwapProfile(candidate)
	e.logger.Info("credential rotated")
	return nil
}

// vet sends eth_chainId to endpoint and checks the network matches. It runs
// through the pool so rotation respects the connection bound but skips the
// rate limiter and breaker, which belong to the serving credential.
func (e *Executor) vet(ctx context.Context, endpoint string, wantChainID uint64) error {
	name := e.Name()
	probe := *e.profile.Load()
	return e.pool.Execute(ctx, func(hc *http.Client) error {
		vetProfile := probe
		vetProfile.URLTemplate = endpoint
		vetProfile.Credential = ""
		vetProfile.Archive = false
		res, err := e.send(ctx, hc, &vetProfile, "eth_chainId", nil)
		if err != nil {
			return err
		}
		var hex string
		if err := json.Unmarshal(res, &hex); err != nil {
			return rpcerr.Wrap(rpcerr.KindInvalidCredentials, name, err)
		}
		got, err := strconv.ParseUint(strings.TrimPrefix(hex, "0x"), 16, 64)
		if err != nil {
			return rpcerr.Wrap(rpcerr.KindInvalidCredentials, name,
				fmt.Errorf("malformed chain id %q", hex))
		}
		if wantChainID != 0 && got != wantChainID {
			return rpcerr.New(rpcerr.KindInvalidCredentials, name,
				"credential answers for chain %d, want %d", got, wantChainID)
		}
		return nil
	})
}

// RotateCredential rotates one provider's credential on one chain. The swap
// is atomic; callers racing with it see either the old or the new profile,
// never a mix.
func (c *Client) RotateCredential(ctx context.Context, chain, providerName, credential string) error {
	ctrl, ok := c.controllers[chain]
	if !ok {
		return rpcerr.New(rpcerr.KindInvalidConfig, providerName, "unknown chain %q", chain)
	}
	exec, ok := ctrl.executorByName(providerName)
	if !ok {
		return rpcerr.New(rpcerr.KindInvalidConfig, providerName, "unknown provider %q on chain %q", providerName, chain)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return exec.Rotate(ctx, credential)
}
