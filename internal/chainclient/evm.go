// Copyright 2024 The cl8y-watchtower Authors
// This file is part of cl8y-watchtower.
//
// cl8y-watchtower is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// cl8y-watchtower is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with cl8y-watchtower.  If not, see <http://www.gnu.org/licenses/>.

package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// bridgeABIJSON is the minimal bridge contract surface the watchtower
// needs: the WithdrawApprove event the poller scans and the
// canCancel/withdrawCancel/getDeposit calls the verifier and canceler
// make. Full contract source is out of scope (see spec's Non-goals);
// only the ABI fragment the client calls against lives here.
const bridgeABIJSON = `[
  {"type":"event","name":"WithdrawApprove","inputs":[
    {"name":"withdrawHash","type":"bytes32","indexed":true},
    {"name":"sourceChainId","type":"uint32","indexed":false},
    {"name":"destChainId","type":"uint32","indexed":false},
    {"name":"token","type":"address","indexed":false},
    {"name":"recipient","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"nonce","type":"uint64","indexed":false},
    {"name":"approvedAt","type":"uint64","indexed":false}
  ]},
  {"type":"function","name":"canCancel","stateMutability":"view","inputs":[{"name":"withdrawHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"withdrawCancel","stateMutability":"nonpayable","inputs":[{"name":"withdrawHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getDeposit","stateMutability":"view","inputs":[{"name":"withdrawHash","type":"bytes32"}],"outputs":[
    {"name":"sourceChainId","type":"uint32"},
    {"name":"destChainId","type":"uint32"},
    {"name":"token","type":"address"},
    {"name":"recipient","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"nonce","type":"uint64"},
    {"name":"exists","type":"bool"}
  ]}
]`

// EVMClient is the chainclient.EVM implementation backed by
// go-ethereum's ethclient and accounts/abi/bind. A rate.Limiter throttles
// outbound calls per RPC endpoint, and every read call is wrapped by the
// heimdall-client-shaped retry helper in chainclient.go; SubmitCancel is
// sent once.
type EVMClient struct {
	client      *ethclient.Client
	bound       *bind.BoundContract
	abi         abi.ABI
	address     common.Address
	chainID     *big.Int
	signer      *ecdsa.PrivateKey
	limiter     *rate.Limiter
	maxRetries  int
	closeCh     chan struct{}
}

// NewEVMClient dials rpcURL and binds to the bridge contract at
// bridgeAddress. signer may be nil for a read-only client, whose
// SubmitCancel returns an error.
func NewEVMClient(rpcURL string, bridgeAddress common.Address, chainID *big.Int, signer *ecdsa.PrivateKey, maxRetries int, requestsPerSecond float64) (*EVMClient, error) {
	cl, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		return nil, err
	}
	bound := bind.NewBoundContract(bridgeAddress, parsed, cl, cl, cl)

	burst := int(requestsPerSecond) + 1
	return &EVMClient{
		client:     cl,
		bound:      bound,
		abi:        parsed,
		address:    bridgeAddress,
		chainID:    chainID,
		signer:     signer,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxRetries: maxRetries,
		closeCh:    make(chan struct{}),
	}, nil
}

// Close stops retries in flight and releases the underlying RPC
// connection.
func (c *EVMClient) Close() {
	close(c.closeCh)
	c.client.Close()
}

func (c *EVMClient) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// HeadNumber returns the chain's current block height.
func (c *EVMClient) HeadNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := withRetry(ctx, c.closeCh, c.maxRetries, 500*time.Millisecond, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		h, err := c.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	return head, err
}

// FetchWithdrawApprovals scans WithdrawApprove events over
// [fromBlock, toBlock].
func (c *EVMClient) FetchWithdrawApprovals(ctx context.Context, fromBlock, toBlock uint64) ([]model.PendingApproval, error) {
	topic := c.abi.Events["WithdrawApprove"].ID
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{topic}},
	}

	var logs []types.Log
	err := withRetry(ctx, c.closeCh, c.maxRetries, 500*time.Millisecond, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		l, err := c.client.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.PendingApproval, 0, len(logs))
	for _, lg := range logs {
		approval, decodeErr := c.decodeWithdrawApprove(lg)
		if decodeErr != nil {
			log.Warn("failed to decode WithdrawApprove log", "tx", lg.TxHash, "err", decodeErr)
			continue
		}
		out = append(out, approval)
	}
	return out, nil
}

type withdrawApproveEvent struct {
	SourceChainId uint32
	DestChainId   uint32
	Token         common.Address
	Recipient     common.Address
	Amount        *big.Int
	Nonce         uint64
	ApprovedAt    uint64
}

func (c *EVMClient) decodeWithdrawApprove(lg types.Log) (model.PendingApproval, error) {
	if len(lg.Topics) < 2 {
		return model.PendingApproval{}, errors.New("chainclient: WithdrawApprove log missing indexed hash topic")
	}
	var ev withdrawApproveEvent
	if err := c.abi.UnpackIntoInterface(&ev, "WithdrawApprove", lg.Data); err != nil {
		return model.PendingApproval{}, err
	}
	return model.PendingApproval{
		WithdrawHash:   lg.Topics[1],
		SourceChainID:  model.ChainIDFromUint32(ev.SourceChainId),
		DestChainID:    model.ChainIDFromUint32(ev.DestChainId),
		Recipient:      ev.Recipient.Hex(),
		Token:          ev.Token.Hex(),
		Amount:         ev.Amount,
		Nonce:          ev.Nonce,
		ApprovedAtUnix: int64(ev.ApprovedAt),
		DiscoveredVia:  model.DiscoveredViaEVMEvent,
		BlockNumber:    lg.BlockNumber,
		LogIndex:       lg.Index,
	}, nil
}

type depositResult struct {
	SourceChainId uint32
	DestChainId   uint32
	Token         common.Address
	Recipient     common.Address
	Amount        *big.Int
	Nonce         uint64
	Exists        bool
}

// GetDeposit calls the bridge's getDeposit(hash) view function.
func (c *EVMClient) GetDeposit(ctx context.Context, withdrawHash common.Hash) (*model.DepositRecord, bool, error) {
	var result depositResult
	err := withRetry(ctx, c.closeCh, c.maxRetries, 500*time.Millisecond, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		out := []interface{}{&result}
		return c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getDeposit", withdrawHash)
	})
	if err != nil {
		return nil, false, err
	}
	if !result.Exists {
		return nil, false, nil
	}
	return &model.DepositRecord{
		SourceChainID: model.ChainIDFromUint32(result.SourceChainId),
		DestChainID:   model.ChainIDFromUint32(result.DestChainId),
		Token:         result.Token.Hex(),
		Recipient:     result.Recipient.Hex(),
		Amount:        result.Amount,
		Nonce:         result.Nonce,
	}, true, nil
}

// CanCancel calls the bridge's canCancel(hash) view function — the
// canceler's EVM pre-check.
func (c *EVMClient) CanCancel(ctx context.Context, withdrawHash common.Hash) (bool, error) {
	var canCancel bool
	err := withRetry(ctx, c.closeCh, c.maxRetries, 500*time.Millisecond, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		out := []interface{}{&canCancel}
		return c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "canCancel", withdrawHash)
	})
	return canCancel, err
}

// SubmitCancel broadcasts an authenticated withdrawCancel(hash) tx.
// Submission is not retried: a failed submission is the Canceler's
// SubmissionError, left for the next cycle rather than resubmitted
// blindly with the same nonce.
func (c *EVMClient) SubmitCancel(ctx context.Context, withdrawHash common.Hash) error {
	if c.signer == nil {
		return errors.New("chainclient: no EVM signer configured for this chain")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.signer, c.chainID)
	if err != nil {
		return err
	}
	auth.Context = ctx

	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err = c.bound.Transact(auth, "withdrawCancel", withdrawHash)
	return err
}
