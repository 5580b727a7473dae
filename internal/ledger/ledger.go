// Package ledger wraps the external ledger the gateway settles trades and
// mints tokens against. It is modeled as an opaque service per spec.md
// §4.1: callers submit signed instructions and get back an opaque
// transaction id plus a confirmation status; contract bytecode internals
// are out of scope.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient/actor"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient/nep17"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
)

// MintDecimals is the fixed number of decimals the energy token mint uses,
// per spec.md §4.1's numeric semantics.
const MintDecimals = 9

// SignatureStatus is the confirmation state of a submitted instruction.
type SignatureStatus string

const (
	StatusUnknown   SignatureStatus = "unknown"
	StatusPending   SignatureStatus = "pending"
	StatusConfirmed SignatureStatus = "confirmed"
	StatusFailed    SignatureStatus = "failed"
)

// Adapter is the Ledger Adapter contract from spec.md §4.1, abstracted so
// the settlement/mint/REC pipelines depend on an interface rather than a
// concrete RPC client.
type Adapter interface {
	DeriveAccount(owner, mint string) string
	AccountExists(ctx context.Context, address string) (bool, error)
	GetBalance(ctx context.Context, address, mint string) (uint64, error)
	EnsureTokenAccount(ctx context.Context, owner, mint string) (string, error)
	// idempotencyKey, when non-empty, dedupes repeat calls for the same
	// (match_id, attempt_count): a key already seen returns the
	// previously-submitted signature instead of resubmitting.
	SubmitMint(ctx context.Context, authority *keystore.AuthorityKey, destination, mint string, amount uint64, idempotencyKey string) (string, error)
	SubmitTransfer(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error)
	SubmitInstruction(ctx context.Context, signedTxHex string) (string, error)
	SignatureStatus(ctx context.Context, txID string) (SignatureStatus, error)
	LatestBlockHash(ctx context.Context) (string, error)
}

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ApplicationLog is the execution record of a settled transaction.
type ApplicationLog struct {
	TxID       string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

// Execution is one VM run recorded in an application log.
type Execution struct {
	VMState   string `json:"vmstate"`
	Exception string `json:"exception,omitempty"`
}

// Client is the neo-go-backed Adapter implementation. It speaks raw
// JSON-RPC for reads (block/application-log lookups) and uses the neo-go
// actor/nep17 packages for signed writes, reusing a persistent signing
// account across concurrent settlements.
type Client struct {
	rpcURL     string
	httpClient *http.Client

	actorMu       sync.Mutex
	persistentRPC *rpcclient.Client
	actors        map[string]*actor.Actor // keyed by authority address

	submissions sync.Map // idempotency key -> already-submitted tx id
}

// Config configures a Client.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient constructs a ledger Client over the given JSON-RPC endpoint.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, gwerrors.InvalidInput("ledger_rpc_url", "required")
	}

	normalized, _, err := httputil.NormalizeServiceBaseURL(cfg.RPCURL)
	if err != nil {
		return nil, gwerrors.InvalidInput("ledger_rpc_url", err.Error())
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL:     normalized,
		httpClient: &http.Client{Timeout: timeout},
		actors:     make(map[string]*actor.Actor),
	}, nil
}

// Call issues a raw JSON-RPC 2.0 request against the ledger node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, gwerrors.Internal("marshal ledger rpc request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Internal("build ledger rpc request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gwerrors.BlockchainError("ledger rpc transport", err)
	}
	defer resp.Body.Close()

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, gwerrors.BlockchainError("ledger rpc decode", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// DeriveAccount computes a deterministic, domain-separated address from
// (owner public key, mint identifier) without any network round-trip, per
// spec.md §4.1's derive_account contract.
func (c *Client) DeriveAccount(owner, mint string) string {
	h := sha256.New()
	h.Write([]byte("gridtokenx:token-account:v1"))
	h.Write([]byte{0})
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(mint))
	return base58.Encode(h.Sum(nil))
}

// AccountExists reports whether a derived token account has any nonzero
// presence in the given mint's ledger.
func (c *Client) AccountExists(ctx context.Context, address string) (bool, error) {
	balance, err := c.GetBalance(ctx, address, "")
	if err != nil {
		return false, err
	}
	return balance > 0, nil
}

// GetBalance queries the token balance of address for mint via the
// standard NEP-17 balanceOf invocation.
func (c *Client) GetBalance(ctx context.Context, address, mint string) (uint64, error) {
	scriptHash, err := addressToScriptHash(address)
	if err != nil {
		return 0, gwerrors.InvalidInput("address", err.Error())
	}
	mintHash, err := addressToScriptHash(mint)
	if err != nil {
		return 0, gwerrors.InvalidInput("mint", err.Error())
	}

	result, err := c.Call(ctx, "invokefunction", []interface{}{
		mintHash.StringLE(),
		"balanceOf",
		[]map[string]interface{}{{"type": "Hash160", "value": scriptHash.StringLE()}},
	})
	if err != nil {
		return 0, gwerrors.BlockchainError("get balance", err)
	}

	var invokeResult struct {
		State string `json:"state"`
		Stack []struct {
			Value string `json:"value"`
		} `json:"stack"`
	}
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return 0, gwerrors.Internal("decode balance result", err)
	}
	if invokeResult.State != "HALT" || len(invokeResult.Stack) == 0 {
		return 0, nil
	}

	balance, ok := new(big.Int).SetString(invokeResult.Stack[0].Value, 10)
	if !ok || !balance.IsUint64() {
		return 0, nil
	}
	return balance.Uint64(), nil
}

// EnsureTokenAccount is idempotent: token accounts on this ledger come
// into existence implicitly on first credit, so this only derives and
// returns the deterministic address.
func (c *Client) EnsureTokenAccount(ctx context.Context, owner, mint string) (string, error) {
	return c.DeriveAccount(owner, mint), nil
}

// SubmitMint mints amount base units of mint into destination, signed by
// authority.
func (c *Client) SubmitMint(ctx context.Context, authority *keystore.AuthorityKey, destination, mint string, amount uint64, idempotencyKey string) (string, error) {
	return c.transfer(ctx, authority, destination, mint, amount, "mint", idempotencyKey)
}

// SubmitTransfer transfers amount base units of mint to destination,
// signed by authority.
func (c *Client) SubmitTransfer(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error) {
	return c.transfer(ctx, authority, to, mint, amount, "transfer", idempotencyKey)
}

func (c *Client) transfer(ctx context.Context, authority *keystore.AuthorityKey, destination, mint string, amount uint64, memo, idempotencyKey string) (string, error) {
	if authority == nil {
		return "", gwerrors.InvalidInput("authority", "required")
	}

	if idempotencyKey != "" {
		if txID, seen := c.submissions.Load(idempotencyKey); seen {
			return txID.(string), nil
		}
	}

	act, err := c.getOrCreateActor(ctx, authority)
	if err != nil {
		return "", err
	}

	mintHash, err := addressToScriptHash(mint)
	if err != nil {
		return "", gwerrors.InvalidInput("mint", err.Error())
	}
	destHash, err := addressToScriptHash(destination)
	if err != nil {
		return "", gwerrors.InvalidInput("destination", err.Error())
	}

	token := nep17.New(act, mintHash)

	txHash, _, err := token.Transfer(act.Sender(), destHash, new(big.Int).SetUint64(amount), []byte(memo))
	if err != nil {
		c.resetActor(authority.Address())
		return "", gwerrors.BlockchainError("ledger transfer", err)
	}

	txID := txHash.StringLE()
	if idempotencyKey != "" {
		c.submissions.Store(idempotencyKey, txID)
	}
	return txID, nil
}

// SubmitInstruction broadcasts an already-signed transaction built
// elsewhere (e.g. by a client-side wallet).
func (c *Client) SubmitInstruction(ctx context.Context, signedTxHex string) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", []interface{}{signedTxHex})
	if err != nil {
		return "", gwerrors.BlockchainError("submit instruction", err)
	}

	var resp struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", gwerrors.Internal("decode sendrawtransaction result", err)
	}
	return resp.Hash, nil
}

// SignatureStatus maps the ledger's application-log presence/absence to
// the four statuses spec.md §4.1 names: absent log → unknown, HALT →
// confirmed, FAULT → failed, transport error → pending (transient, worth
// retrying).
func (c *Client) SignatureStatus(ctx context.Context, txID string) (SignatureStatus, error) {
	result, err := c.Call(ctx, "getapplicationlog", []interface{}{txID})
	if err != nil {
		if isNotFoundError(err) {
			return StatusUnknown, nil
		}
		return StatusPending, nil
	}

	var log ApplicationLog
	if err := json.Unmarshal(result, &log); err != nil {
		return StatusUnknown, gwerrors.Internal("decode application log", err)
	}
	if len(log.Executions) == 0 {
		return StatusUnknown, nil
	}

	for _, exec := range log.Executions {
		switch exec.VMState {
		case "HALT":
			return StatusConfirmed, nil
		case "FAULT":
			return StatusFailed, nil
		}
	}
	return StatusPending, nil
}

// LatestBlockHash returns the current chain tip's block hash.
func (c *Client) LatestBlockHash(ctx context.Context) (string, error) {
	countRaw, err := c.Call(ctx, "getblockcount", nil)
	if err != nil {
		return "", gwerrors.BlockchainError("get block count", err)
	}
	var count uint64
	if err := json.Unmarshal(countRaw, &count); err != nil {
		return "", gwerrors.Internal("decode block count", err)
	}

	hashRaw, err := c.Call(ctx, "getblockhash", []interface{}{count - 1})
	if err != nil {
		return "", gwerrors.BlockchainError("get block hash", err)
	}
	var hash string
	if err := json.Unmarshal(hashRaw, &hash); err != nil {
		return "", gwerrors.Internal("decode block hash", err)
	}
	return hash, nil
}

func (c *Client) getOrCreateActor(ctx context.Context, authority *keystore.AuthorityKey) (*actor.Actor, error) {
	c.actorMu.Lock()
	defer c.actorMu.Unlock()

	address := authority.Address()
	if act, ok := c.actors[address]; ok {
		return act, nil
	}

	if c.persistentRPC == nil {
		rc, err := rpcclient.New(ctx, c.rpcURL, rpcclient.Options{})
		if err != nil {
			return nil, gwerrors.BlockchainError("ledger rpc connect", err)
		}
		c.persistentRPC = rc
	}

	privateKey, err := keys.NewPrivateKeyFromBytes(authority.SeedBytes())
	if err != nil {
		return nil, gwerrors.SigningFailed(err)
	}
	account := wallet.NewAccountFromPrivateKey(privateKey)

	act, err := actor.NewSimple(c.persistentRPC, account)
	if err != nil {
		return nil, gwerrors.BlockchainError("create ledger actor", err)
	}

	c.actors[address] = act
	return act, nil
}

func (c *Client) resetActor(address string) {
	c.actorMu.Lock()
	defer c.actorMu.Unlock()
	delete(c.actors, address)
}

func addressToScriptHash(address string) (util.Uint160, error) {
	if address == "" {
		return util.Uint160{}, fmt.Errorf("empty address")
	}
	if h, err := util.Uint160DecodeStringLE(strings.TrimPrefix(address, "0x")); err == nil {
		return h, nil
	}
	raw, err := base58.Decode(address)
	if err != nil || len(raw) < 20 {
		return util.Uint160{}, fmt.Errorf("address %q is not a valid script hash or base58 key", address)
	}
	sum := sha256.Sum256(raw)
	return util.Uint160DecodeBytesBE(sum[:20])
}

func isNotFoundError(err error) bool {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return rpcErr.Code == -100 || rpcErr.Code == -105 ||
		strings.Contains(msg, "unknown transaction") ||
		strings.Contains(msg, "unknown script container")
}

// KWhToBaseUnits converts a kWh decimal amount to the ledger's base-unit
// integer representation, rounding half-away-from-zero, per spec.md §4.1.
// An amount that would overflow uint64 returns a range error.
func KWhToBaseUnits(kwh float64) (uint64, error) {
	if kwh < 0 {
		return 0, gwerrors.InvalidInput("kwh", "must be non-negative")
	}
	scaled := kwh * math.Pow10(MintDecimals)
	rounded := math.Floor(scaled + 0.5)
	if rounded > float64(math.MaxUint64) {
		return 0, gwerrors.OutOfRange("kwh", 0, math.MaxUint64)
	}
	return uint64(rounded), nil
}

// BaseUnitsToKWh reverses KWhToBaseUnits.
func BaseUnitsToKWh(units uint64) float64 {
	return float64(units) / math.Pow10(MintDecimals)
}
