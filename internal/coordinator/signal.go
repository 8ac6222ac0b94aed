// Package coordinator turns the one-shot start broadcast into a per-worker
// slot assignment and start time.
package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/slotwatch/engine/internal/store"
	"github.com/sugawarayuuta/sonnet"
)

// ErrMalformedSignal is returned when no admissible shape matches.
var ErrMalformedSignal = errors.New("malformed start signal")

// Shape names the wire encoding a start signal arrived in.
type Shape string

const (
	ShapeStructured Shape = "structured" // {"slot": S, "timestamp": T}
	ShapeDelimited  Shape = "delimited"  // "S,T"
	ShapeBare       Shape = "bare"       // S, origin = receipt time
	ShapeFallback   Shape = "fallback"   // unparseable, slot 0 at receipt time
)

// StartSignal is the normalized seed of every worker assignment.
type StartSignal struct {
	BaseSlot store.Slot
	Origin   time.Time
	Shape    Shape
}

// wireSignal is the structured encoding, also used when broadcasting.
type wireSignal struct {
	Slot      json.RawMessage `json:"slot"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseStartSignal tries the structured, delimited and bare encodings in
// that order. receivedAt becomes the origin of a bare slot.
func ParseStartSignal(raw []byte, receivedAt time.Time) (StartSignal, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return StartSignal{}, fmt.Errorf("%w: empty payload", ErrMalformedSignal)
	}

	if sig, ok := parseStructured(text); ok {
		return sig, nil
	}
	if sig, ok := parseDelimited(text); ok {
		return sig, nil
	}
	if slot, err := parseSlot(text); err == nil {
		return StartSignal{BaseSlot: slot, Origin: receivedAt, Shape: ShapeBare}, nil
	}

	return StartSignal{}, fmt.Errorf("%w: %q", ErrMalformedSignal, truncate(text, 64))
}

// NormalizeStartSignal parses raw and applies the malformed-input policy:
// in strict mode the parse error is returned, otherwise the signal falls
// back to slot 0 at receivedAt and a warning is logged.
func NormalizeStartSignal(raw []byte, receivedAt time.Time, strict bool, logger *slog.Logger) (StartSignal, error) {
	sig, err := ParseStartSignal(raw, receivedAt)
	if err == nil {
		return sig, nil
	}
	if strict {
		return StartSignal{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("start_signal_malformed",
		"error", err,
		"fallback_slot", 0,
		"fallback_origin", receivedAt.Format(time.RFC3339Nano),
	)
	return StartSignal{BaseSlot: 0, Origin: receivedAt, Shape: ShapeFallback}, nil
}

// EncodeStartSignal renders sig in the structured encoding.
func EncodeStartSignal(sig StartSignal) ([]byte, error) {
	return sonnet.Marshal(struct {
		Slot      uint64  `json:"slot"`
		Timestamp float64 `json:"timestamp"`
	}{
		Slot:      sig.BaseSlot,
		Timestamp: unixSeconds(sig.Origin),
	})
}

func parseStructured(text string) (StartSignal, bool) {
	if !strings.HasPrefix(text, "{") {
		return StartSignal{}, false
	}
	var w wireSignal
	if err := sonnet.Unmarshal([]byte(text), &w); err != nil {
		return StartSignal{}, false
	}
	if len(w.Slot) == 0 || len(w.Timestamp) == 0 {
		return StartSignal{}, false
	}

	slot, err := parseSlot(unquote(w.Slot))
	if err != nil {
		return StartSignal{}, false
	}
	origin, err := parseTimestamp(unquote(w.Timestamp))
	if err != nil {
		return StartSignal{}, false
	}
	return StartSignal{BaseSlot: slot, Origin: origin, Shape: ShapeStructured}, true
}

func parseDelimited(text string) (StartSignal, bool) {
	parts := strings.Split(strings.Trim(text, `"`), ",")
	if len(parts) != 2 {
		return StartSignal{}, false
	}
	slot, err := parseSlot(strings.TrimSpace(parts[0]))
	if err != nil {
		return StartSignal{}, false
	}
	origin, err := parseTimestamp(strings.TrimSpace(parts[1]))
	if err != nil {
		return StartSignal{}, false
	}
	return StartSignal{BaseSlot: slot, Origin: origin, Shape: ShapeDelimited}, true
}

func parseSlot(s string) (store.Slot, error) {
	return strconv.ParseUint(s, 10, 64)
}

// parseTimestamp reads unix seconds with an optional fraction.
func parseTimestamp(s string) (time.Time, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return time.Time{}, fmt.Errorf("timestamp out of range: %s", s)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))), nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func unquote(raw json.RawMessage) string {
	return string(bytes.Trim(bytes.TrimSpace(raw), `"`))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
