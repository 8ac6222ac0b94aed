// Package store provides the data models shared by the ingest, detection
// and enrichment stages.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Slot identifies one unit of retrievable chain data.
type Slot = uint64

// Block is the decoded result of a getBlock call.
type Block struct {
	// Blockhash of the produced block
	Blockhash string `json:"blockhash"`

	// ParentSlot is the slot of the parent block
	ParentSlot uint64 `json:"parentSlot"`

	// BlockTime is the estimated production time (unix seconds), may be absent
	BlockTime *int64 `json:"blockTime"`

	// BlockHeight may be absent on old blocks
	BlockHeight *uint64 `json:"blockHeight"`

	// Transactions in block order
	Transactions []Transaction `json:"transactions"`
}

// Transaction is a single transaction with its execution metadata.
type Transaction struct {
	Meta        *TransactionMeta `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys AccountKeys `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// TransactionMeta carries the runtime output of a transaction.
type TransactionMeta struct {
	Err         any      `json:"err"`
	LogMessages []string `json:"logMessages"`
}

// LogMessages returns the log lines, or nil when the node omitted them.
func (t *Transaction) LogMessages() []string {
	if t.Meta == nil {
		return nil
	}
	return t.Meta.LogMessages
}

// AccountKeys returns the static account keys of the transaction message.
func (t *Transaction) AccountKeys() []string {
	return t.Transaction.Message.AccountKeys
}

// Signature returns the first signature, which identifies the transaction.
func (t *Transaction) Signature() string {
	if len(t.Transaction.Signatures) == 0 {
		return ""
	}
	return t.Transaction.Signatures[0]
}

// AccountKeys accepts both the "json" encoding (array of base58 strings)
// and the "jsonParsed" encoding (array of {"pubkey": ...} objects).
type AccountKeys []string

// UnmarshalJSON implements json.Unmarshaler.
func (k *AccountKeys) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*k = nil
		return nil
	}

	var plain []string
	if err := sonnet.Unmarshal(data, &plain); err == nil {
		*k = plain
		return nil
	}

	var parsed []struct {
		Pubkey string `json:"pubkey"`
	}
	if err := sonnet.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("account keys: %w", err)
	}
	keys := make([]string, 0, len(parsed))
	for _, p := range parsed {
		keys = append(keys, p.Pubkey)
	}
	*k = keys
	return nil
}

// DecodeBlock decodes either a full JSON-RPC response envelope or a bare
// block object. A response whose result is null decodes to a nil block.
func DecodeBlock(payload []byte) (*Block, error) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
	}
	if err := sonnet.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	body := payload
	if probe.JSONRPC != "" || probe.Result != nil {
		if len(probe.Result) == 0 || bytes.Equal(probe.Result, []byte("null")) {
			return nil, nil
		}
		body = probe.Result
	}

	var block Block
	if err := sonnet.Unmarshal(body, &block); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &block, nil
}

// BlockPayload is an encoded getBlock response as it travels from the fetch
// loop to the detector.
type BlockPayload struct {
	Slot      Slot
	Data      []byte
	FetchedAt time.Time
}

// SlotStatus is the outcome of one fetch attempt.
type SlotStatus string

const (
	SlotFetched  SlotStatus = "FETCHED"
	SlotNotReady SlotStatus = "NOT_READY"
	SlotFailed   SlotStatus = "FAILED"
	SlotSkipped  SlotStatus = "SKIPPED" // limiter saturated, never requested
)

// SlotResult describes a completed (or abandoned) fetch and what happened
// to its payload on both handoff channels.
type SlotResult struct {
	Slot     Slot
	WorkerID int
	Status   SlotStatus
	Latency  time.Duration
	Size     int
	Err      error
	At       time.Time

	// Handoff outcome, only meaningful for SlotFetched
	Queued      bool
	Mailboxed   bool // a mailbox write was attempted
	MailboxWait time.Duration
	MailboxErr  error
}

// DetectionEvent describes a newly created liquidity pool. Any field may be
// nil when the upstream data omitted it.
type DetectionEvent struct {
	PoolAddress *string `json:"pool_address"`
	BaseMint    *string `json:"base_mint"`
	QuoteMint   *string `json:"quote_mint"`
	BaseVault   *string `json:"base_vault"`
	QuoteVault  *string `json:"quote_vault"`
}

// Detection is a transaction that matched a target rule.
type Detection struct {
	Slot        Slot
	WorkerID    int
	Signature   string
	RuleName    string
	ProgramID   string
	Instruction string
	AccountKeys []string
	At          time.Time
}

// StringOrNil returns nil for the empty string, a pointer to s otherwise.
func StringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
