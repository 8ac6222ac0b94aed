package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slotwatch/engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func rpcServer(t *testing.T, handler func(req capturedRequest) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetBlockReturnsRawBody(t *testing.T) {
	const body = `{"jsonrpc":"2.0","result":{"blockhash":"9xQe","parentSlot":1002,"transactions":[{"meta":{"err":null,"logMessages":["Program log: hi"]},"transaction":{"signatures":["sig1"],"message":{"accountKeys":["A","B"]}}}]},"id":1}`

	var got capturedRequest
	srv := rpcServer(t, func(req capturedRequest) (int, string) {
		got = req
		return http.StatusOK, body
	})

	client := NewBlockClient(srv.URL, "confirmed", nil)
	data, err := client.GetBlock(context.Background(), 1003)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	assert.Equal(t, "getBlock", got.Method)
	require.Len(t, got.Params, 2)
	assert.JSONEq(t, "1003", string(got.Params[0]))
	assert.JSONEq(t, `{"encoding":"json","transactionDetails":"full","maxSupportedTransactionVersion":0,"commitment":"confirmed"}`, string(got.Params[1]))

	block, err := store.DecodeBlock(data)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, []string{"A", "B"}, block.Transactions[0].AccountKeys())
}

func TestGetBlockOmitsEmptyCommitment(t *testing.T) {
	var got capturedRequest
	srv := rpcServer(t, func(req capturedRequest) (int, string) {
		got = req
		return http.StatusOK, `{"jsonrpc":"2.0","result":{"transactions":[]},"id":1}`
	})

	_, err := NewBlockClient(srv.URL, "", nil).GetBlock(context.Background(), 5)
	require.NoError(t, err)
	assert.NotContains(t, string(got.Params[1]), "commitment")
}

func TestGetBlockNotReady(t *testing.T) {
	tests := map[string]string{
		"null result":       `{"jsonrpc":"2.0","result":null,"id":1}`,
		"slot skipped":      `{"jsonrpc":"2.0","error":{"code":-32007,"message":"Slot 1003 was skipped"},"id":1}`,
		"not available":     `{"jsonrpc":"2.0","error":{"code":-32004,"message":"Block not available for slot 1003"},"id":1}`,
		"status not yet av": `{"jsonrpc":"2.0","error":{"code":-32014,"message":"Block status not yet available"},"id":1}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			srv := rpcServer(t, func(capturedRequest) (int, string) { return http.StatusOK, body })
			_, err := NewBlockClient(srv.URL, "confirmed", nil).GetBlock(context.Background(), 1003)
			assert.ErrorIs(t, err, ErrSlotNotAvailable)
		})
	}
}

func TestGetBlockRPCError(t *testing.T) {
	srv := rpcServer(t, func(capturedRequest) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid request"},"id":1}`
	})

	_, err := NewBlockClient(srv.URL, "confirmed", nil).GetBlock(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSlotNotAvailable))

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32600, rpcErr.Code)
}

func TestGetBlockHTTPStatus(t *testing.T) {
	srv := rpcServer(t, func(capturedRequest) (int, string) {
		return http.StatusTooManyRequests, `rate limited`
	})

	_, err := NewBlockClient(srv.URL, "confirmed", nil).GetBlock(context.Background(), 1)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestGetBlockMalformedBody(t *testing.T) {
	srv := rpcServer(t, func(capturedRequest) (int, string) { return http.StatusOK, `{"result": [` })

	_, err := NewBlockClient(srv.URL, "confirmed", nil).GetBlock(context.Background(), 1)
	assert.Error(t, err)
}

func TestGetBlockTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewBlockClient(srv.URL, "confirmed", nil).GetBlock(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetSlot(t *testing.T) {
	var got capturedRequest
	srv := rpcServer(t, func(req capturedRequest) (int, string) {
		got = req
		return http.StatusOK, `{"jsonrpc":"2.0","result":250000123,"id":1}`
	})

	slot, err := NewBlockClient(srv.URL, "finalized", nil).GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(250000123), slot)
	assert.Equal(t, "getSlot", got.Method)
	require.Len(t, got.Params, 1)
	assert.JSONEq(t, `{"commitment":"finalized"}`, string(got.Params[0]))
}
