package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newJSONResponse(payload []byte) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}
}

func TestNewClientRequiresRPCURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty RPC URL")
	}
}

func TestDeriveAccountDeterministicAndDomainSeparated(t *testing.T) {
	c, err := NewClient(Config{RPCURL: "http://127.0.0.1:10332"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	a1 := c.DeriveAccount("owner-1", "mint-1")
	a2 := c.DeriveAccount("owner-1", "mint-1")
	if a1 != a2 {
		t.Errorf("DeriveAccount not deterministic: %s != %s", a1, a2)
	}

	if a3 := c.DeriveAccount("owner-1", "mint-2"); a3 == a1 {
		t.Error("DeriveAccount did not vary with mint")
	}
	if a4 := c.DeriveAccount("owner-2", "mint-1"); a4 == a1 {
		t.Error("DeriveAccount did not vary with owner")
	}
}

func withMockTransport(t *testing.T, handler func(method string) (json.RawMessage, *RPCError)) *Client {
	t.Helper()
	c, err := NewClient(Config{RPCURL: "http://127.0.0.1:10332"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	c.httpClient.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		var req RPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		result, rpcErr := handler(req.Method)
		resp := RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
		payload, _ := json.Marshal(resp)
		return newJSONResponse(payload), nil
	})
	return c
}

func TestSignatureStatusMapsApplicationLogStates(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		rpcErr *RPCError
		want   SignatureStatus
	}{
		{
			name:   "halt means confirmed",
			result: json.RawMessage(`{"txid":"0xabc","executions":[{"vmstate":"HALT"}]}`),
			want:   StatusConfirmed,
		},
		{
			name:   "fault means failed",
			result: json.RawMessage(`{"txid":"0xabc","executions":[{"vmstate":"FAULT"}]}`),
			want:   StatusFailed,
		},
		{
			name:   "no executions means unknown",
			result: json.RawMessage(`{"txid":"0xabc","executions":[]}`),
			want:   StatusUnknown,
		},
		{
			name:   "unknown transaction error means unknown",
			rpcErr: &RPCError{Code: -100, Message: "Unknown transaction"},
			want:   StatusUnknown,
		},
		{
			name:   "other rpc error means pending",
			rpcErr: &RPCError{Code: -32000, Message: "internal error"},
			want:   StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := withMockTransport(t, func(method string) (json.RawMessage, *RPCError) {
				if method != "getapplicationlog" {
					t.Fatalf("unexpected method %q", method)
				}
				return tt.result, tt.rpcErr
			})

			got, err := c.SignatureStatus(context.Background(), "0xabc")
			if err != nil {
				t.Fatalf("SignatureStatus() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SignatureStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLatestBlockHash(t *testing.T) {
	c := withMockTransport(t, func(method string) (json.RawMessage, *RPCError) {
		switch method {
		case "getblockcount":
			return json.RawMessage(`100`), nil
		case "getblockhash":
			return json.RawMessage(`"0xdeadbeef"`), nil
		default:
			return nil, &RPCError{Code: -1, Message: "unexpected method"}
		}
	})

	hash, err := c.LatestBlockHash(context.Background())
	if err != nil {
		t.Fatalf("LatestBlockHash() error = %v", err)
	}
	if hash != "0xdeadbeef" {
		t.Errorf("LatestBlockHash() = %q, want 0xdeadbeef", hash)
	}
}

func TestKWhToBaseUnitsRoundTrip(t *testing.T) {
	units, err := KWhToBaseUnits(1.5)
	if err != nil {
		t.Fatalf("KWhToBaseUnits() error = %v", err)
	}
	if units != 1_500_000_000 {
		t.Errorf("KWhToBaseUnits(1.5) = %d, want 1500000000", units)
	}

	if kwh := BaseUnitsToKWh(units); kwh != 1.5 {
		t.Errorf("BaseUnitsToKWh(%d) = %v, want 1.5", units, kwh)
	}
}

func TestKWhToBaseUnitsRejectsNegative(t *testing.T) {
	if _, err := KWhToBaseUnits(-1); err == nil {
		t.Error("expected error for negative kwh")
	}
}
