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
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"
	sdktx "github.com/cosmos/cosmos-sdk/types/tx"
	sdktxsigning "github.com/cosmos/cosmos-sdk/types/tx/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"

	"github.com/btcsuite/btcd/btcec/v2"
	sdktypes "github.com/cosmos/cosmos-sdk/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	secp256k1 "github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"

	jsoniter "github.com/json-iterator/go"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

var cosmosJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// smartQueryURL builds the CosmWasm smart-query URL for a given query
// payload, following the teacher heimdall client's "return (*url.URL,
// error)" builder convention instead of hand-concatenating strings
// inline.
func smartQueryURL(lcdBase, contract string, query interface{}) (*url.URL, error) {
	payload, err := cosmosJSON.Marshal(query)
	if err != nil {
		return nil, err
	}
	encoded := base64.URLEncoding.EncodeToString(payload)
	return url.Parse(fmt.Sprintf("%s/cosmwasm/wasm/v1/contract/%s/smart/%s", strings.TrimRight(lcdBase, "/"), contract, encoded))
}

type pendingWithdrawalsQuery struct {
	PendingWithdrawals pendingWithdrawalsArgs `json:"pending_withdrawals"`
}
type pendingWithdrawalsArgs struct {
	Limit      int    `json:"limit"`
	StartAfter string `json:"start_after,omitempty"`
}
type pendingWithdrawalsResponse struct {
	Data struct {
		Withdrawals []cosmosApproval `json:"withdrawals"`
	} `json:"data"`
}
type cosmosApproval struct {
	WithdrawHash  string `json:"withdraw_hash"`
	SourceChainID uint32 `json:"source_chain_id"`
	DestChainID   uint32 `json:"dest_chain_id"`
	Recipient     string `json:"recipient"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	Nonce         uint64 `json:"nonce"`
	ApprovedAt    int64  `json:"approved_at"`
}

type canCancelQuery struct {
	CanCancel canCancelArgs `json:"can_cancel"`
}
type canCancelArgs struct {
	WithdrawHash string `json:"withdraw_hash"`
}
type canCancelResponse struct {
	Data struct {
		CanCancel bool `json:"can_cancel"`
	} `json:"data"`
}

type getDepositQuery struct {
	GetDeposit getDepositArgs `json:"get_deposit"`
}
type getDepositArgs struct {
	WithdrawHash string `json:"withdraw_hash"`
}
type getDepositResponse struct {
	Data struct {
		Deposit *cosmosApproval `json:"deposit"`
	} `json:"data"`
}

// executeCancelMsg is the CosmWasm execute payload the bridge contract
// expects for a watchtower-initiated cancellation.
type executeCancelMsg struct {
	Cancel cancelArgs `json:"cancel"`
}
type cancelArgs struct {
	WithdrawHash string `json:"withdraw_hash"`
}

// CosmosClient is the chainclient.Cosmos implementation: an LCD REST
// client for smart-queries, and a Tendermint RPC client plus a
// cosmos-sdk tx builder for broadcasting signed cancel messages. Shaped
// after the teacher's heimdall client (closeCh-interruptible retrying
// fetch, URL-builder-returns-(*url.URL,error) functions), but aimed at
// CosmWasm smart-query and Tendermint broadcast endpoints instead of
// Heimdall's checkpoint/span/state-sync endpoints.
type CosmosClient struct {
	lcdBase      string
	contract     string
	chainIDStr   string
	httpClient   *http.Client
	rpc          *rpchttp.HTTP
	signer       *secp256k1.PrivKey
	accountQuery func(ctx context.Context, addr string) (accNum, sequence uint64, err error)
	limiter      *rate.Limiter
	maxRetries   int
	closeCh      chan struct{}
}

// NewCosmosClient builds a client against lcdBase (the LCD/REST
// endpoint) and rpcBase (the Tendermint RPC endpoint) for the bridge
// contract at contractAddr on chainIDStr. signerKey may be nil for a
// read-only client.
func NewCosmosClient(lcdBase, rpcBase, contractAddr, chainIDStr string, signerKey *btcec.PrivateKey, maxRetries int, requestsPerSecond float64) (*CosmosClient, error) {
	client, err := rpchttp.New(rpcBase, "/websocket")
	if err != nil {
		return nil, err
	}

	var signer *secp256k1.PrivKey
	if signerKey != nil {
		signer = &secp256k1.PrivKey{Key: signerKey.Serialize()}
	}

	burst := int(requestsPerSecond) + 1
	c := &CosmosClient{
		lcdBase:    lcdBase,
		contract:   contractAddr,
		chainIDStr: chainIDStr,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpc:        client,
		signer:     signer,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxRetries: maxRetries,
		closeCh:    make(chan struct{}),
	}
	c.accountQuery = c.fetchAccount
	return c, nil
}

// Close stops retries in flight. The Tendermint RPC client and LCD
// http.Client hold no long-lived connections worth closing explicitly.
func (c *CosmosClient) Close() {
	close(c.closeCh)
}

func (c *CosmosClient) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

func (c *CosmosClient) smartQuery(ctx context.Context, query, out interface{}) error {
	u, err := smartQueryURL(c.lcdBase, c.contract, query)
	if err != nil {
		return err
	}
	return withRetry(ctx, c.closeCh, c.maxRetries, 500*time.Millisecond, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("chainclient: smart query returned status %d: %s", resp.StatusCode, string(body))
		}
		return cosmosJSON.Unmarshal(body, out)
	})
}

// PendingWithdrawals runs one page of the pending_withdrawals
// smart-query, ordered oldest-approved-first per the contract's own
// sort, and relies on startAfter for cursoring rather than a block
// range.
func (c *CosmosClient) PendingWithdrawals(ctx context.Context, limit int, startAfter string) ([]model.PendingApproval, error) {
	var resp pendingWithdrawalsResponse
	query := pendingWithdrawalsQuery{PendingWithdrawals: pendingWithdrawalsArgs{Limit: limit, StartAfter: startAfter}}
	if err := c.smartQuery(ctx, query, &resp); err != nil {
		return nil, err
	}

	out := make([]model.PendingApproval, 0, len(resp.Data.Withdrawals))
	for _, w := range resp.Data.Withdrawals {
		approval, err := toPendingApproval(w)
		if err != nil {
			log.Warn("failed to decode pending_withdrawals entry", "withdraw_hash", w.WithdrawHash, "err", err)
			continue
		}
		out = append(out, approval)
	}
	return out, nil
}

func toPendingApproval(w cosmosApproval) (model.PendingApproval, error) {
	amount, ok := new(big.Int).SetString(w.Amount, 10)
	if !ok {
		return model.PendingApproval{}, fmt.Errorf("chainclient: invalid amount %q", w.Amount)
	}
	return model.PendingApproval{
		WithdrawHash:   common.HexToHash(w.WithdrawHash),
		SourceChainID:  model.ChainIDFromUint32(w.SourceChainID),
		DestChainID:    model.ChainIDFromUint32(w.DestChainID),
		Recipient:      w.Recipient,
		Token:          w.Token,
		Amount:         amount,
		Nonce:          w.Nonce,
		ApprovedAtUnix: w.ApprovedAt,
		DiscoveredVia:  model.DiscoveredViaCosmosQuery,
	}, nil
}

// GetDeposit runs the get_deposit smart-query.
func (c *CosmosClient) GetDeposit(ctx context.Context, withdrawHash common.Hash) (*model.DepositRecord, bool, error) {
	var resp getDepositResponse
	query := getDepositQuery{GetDeposit: getDepositArgs{WithdrawHash: withdrawHash.Hex()}}
	if err := c.smartQuery(ctx, query, &resp); err != nil {
		return nil, false, err
	}
	if resp.Data.Deposit == nil {
		return nil, false, nil
	}
	approval, err := toPendingApproval(*resp.Data.Deposit)
	if err != nil {
		return nil, false, err
	}
	return &model.DepositRecord{
		SourceChainID: approval.SourceChainID,
		DestChainID:   approval.DestChainID,
		Token:         approval.Token,
		Recipient:     approval.Recipient,
		Amount:        approval.Amount,
		Nonce:         approval.Nonce,
	}, true, nil
}

// CanCancel runs the can_cancel smart-query, the Cosmos pre-check
// mirroring EVMClient.CanCancel.
func (c *CosmosClient) CanCancel(ctx context.Context, withdrawHash common.Hash) (bool, error) {
	var resp canCancelResponse
	query := canCancelQuery{CanCancel: canCancelArgs{WithdrawHash: withdrawHash.Hex()}}
	if err := c.smartQuery(ctx, query, &resp); err != nil {
		return false, err
	}
	return resp.Data.CanCancel, nil
}

func (c *CosmosClient) senderAddress() (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("chainclient: no Cosmos signer configured for this chain")
	}
	pubKey := c.signer.PubKey()
	return sdktypes.AccAddress(pubKey.Address()).String(), nil
}

func (c *CosmosClient) fetchAccount(ctx context.Context, addr string) (uint64, uint64, error) {
	u, err := url.Parse(fmt.Sprintf("%s/cosmos/auth/v1beta1/accounts/%s", strings.TrimRight(c.lcdBase, "/"), addr))
	if err != nil {
		return 0, 0, err
	}
	var account struct {
		Account struct {
			AccountNumber string `json:"account_number"`
			Sequence      string `json:"sequence"`
		} `json:"account"`
	}
	var accNum, sequence uint64
	err = withRetry(ctx, c.closeCh, c.maxRetries, 500*time.Millisecond, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("chainclient: account query returned status %d: %s", resp.StatusCode, string(body))
		}
		if err := cosmosJSON.Unmarshal(body, &account); err != nil {
			return err
		}
		accNum, err = strconv.ParseUint(account.Account.AccountNumber, 10, 64)
		if err != nil {
			return err
		}
		sequence, err = strconv.ParseUint(account.Account.Sequence, 10, 64)
		return err
	})
	return accNum, sequence, err
}

// SubmitCancel signs and broadcasts a MsgExecuteContract{cancel} against
// the bridge contract. Submission is not retried: a failed broadcast is
// a SubmissionError for the current cycle, not resubmitted blindly with
// the same account sequence.
func (c *CosmosClient) SubmitCancel(ctx context.Context, withdrawHash common.Hash) error {
	if c.signer == nil {
		return fmt.Errorf("chainclient: no Cosmos signer configured for this chain")
	}
	sender, err := c.senderAddress()
	if err != nil {
		return err
	}
	accNum, sequence, err := c.accountQuery(ctx, sender)
	if err != nil {
		return err
	}

	payload, err := cosmosJSON.Marshal(executeCancelMsg{Cancel: cancelArgs{WithdrawHash: withdrawHash.Hex()}})
	if err != nil {
		return err
	}
	msg := &wasmtypes.MsgExecuteContract{
		Sender:   sender,
		Contract: c.contract,
		Msg:      payload,
	}

	txBytes, err := c.signAndEncode(msg, accNum, sequence)
	if err != nil {
		return err
	}

	if err := c.wait(ctx); err != nil {
		return err
	}
	result, err := c.rpc.BroadcastTxSync(ctx, txBytes)
	if err != nil {
		return err
	}
	if result.Code != 0 {
		return fmt.Errorf("chainclient: cancel broadcast rejected: code %d: %s", result.Code, result.Log)
	}
	return nil
}

// signAndEncode builds, signs and marshals a single-message tx using
// cosmos-sdk's protobuf tx format and SIGN_MODE_DIRECT.
func (c *CosmosClient) signAndEncode(msg sdktypes.Msg, accountNumber, sequence uint64) ([]byte, error) {
	txConfig := authtx.NewTxConfig(cryptocodec.NewProtoCodec(nil), authtx.DefaultSignModes)
	builder := txConfig.NewTxBuilder()
	if err := builder.SetMsgs(msg); err != nil {
		return nil, err
	}
	builder.SetGasLimit(300_000)
	builder.SetFeeAmount(sdktypes.NewCoins())

	pubKey := c.signer.PubKey()
	sigData := sdktxsigning.SingleSignatureData{SignMode: sdktxsigning.SignMode_SIGN_MODE_DIRECT}
	if err := builder.SetSignatures(sdktx.SignatureV2{PubKey: pubKey, Data: &sigData, Sequence: sequence}); err != nil {
		return nil, err
	}

	signerData := authtx.SignerData{
		ChainID:       c.chainIDStr,
		AccountNumber: accountNumber,
		Sequence:      sequence,
	}
	signBytes, err := txConfig.SignModeHandler().GetSignBytes(sdktxsigning.SignMode_SIGN_MODE_DIRECT, signerData, builder.GetTx())
	if err != nil {
		return nil, err
	}
	signature, err := c.signer.Sign(signBytes)
	if err != nil {
		return nil, err
	}
	sigData.Signature = signature
	if err := builder.SetSignatures(sdktx.SignatureV2{PubKey: pubKey, Data: &sigData, Sequence: sequence}); err != nil {
		return nil, err
	}
	return txConfig.TxEncoder()(builder.GetTx())
}
