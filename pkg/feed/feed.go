// Package feed implements the newline-delimited JSON encoding of guardrail
// events used by ingestion adapters. Each line is an Envelope: a kind tag
// plus the event payload for that kind.
package feed

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ringfence/internal/domain"
)

// ErrBadEvent marks a malformed line. The decoder stays usable after
// returning it; stream-level read errors are returned unwrapped.
var ErrBadEvent = errors.New("bad event")

// Envelope is one wire record. Exactly one payload field is set, matching
// Kind.
type Envelope struct {
	Kind          domain.EventKind           `json:"kind"`
	AccountStatus *domain.AccountStatusEvent `json:"account_status,omitempty"`
	Position      *domain.Position           `json:"position,omitempty"`
	Order         *domain.Order              `json:"order,omitempty"`
	Trade         *domain.Trade              `json:"trade,omitempty"`
	Quote         *domain.Quote              `json:"quote,omitempty"`
}

// Wrap builds the Envelope for an event. Synthetic internal events
// (grace_expired, clock_tick) are not part of the wire format.
func Wrap(ev domain.Event) (Envelope, error) {
	switch e := ev.(type) {
	case domain.AccountStatusEvent:
		return Envelope{Kind: e.Kind(), AccountStatus: &e}, nil
	case domain.PositionEvent:
		return Envelope{Kind: e.Kind(), Position: &e.Position}, nil
	case domain.OrderEvent:
		return Envelope{Kind: e.Kind(), Order: &e.Order}, nil
	case domain.TradeEvent:
		return Envelope{Kind: e.Kind(), Trade: &e.Trade}, nil
	case domain.QuoteEvent:
		return Envelope{Kind: e.Kind(), Quote: &e.Quote}, nil
	}
	return Envelope{}, fmt.Errorf("event kind %s has no wire form", ev.Kind())
}

// Event unwraps the Envelope back into a typed event.
func (e Envelope) Event() (domain.Event, error) {
	switch e.Kind {
	case domain.KindAccountStatus:
		if e.AccountStatus == nil {
			return nil, fmt.Errorf("envelope kind %s without payload", e.Kind)
		}
		return *e.AccountStatus, nil
	case domain.KindPosition:
		if e.Position == nil {
			return nil, fmt.Errorf("envelope kind %s without payload", e.Kind)
		}
		return domain.PositionEvent{Position: *e.Position}, nil
	case domain.KindOrder:
		if e.Order == nil {
			return nil, fmt.Errorf("envelope kind %s without payload", e.Kind)
		}
		return domain.OrderEvent{Order: *e.Order}, nil
	case domain.KindTrade:
		if e.Trade == nil {
			return nil, fmt.Errorf("envelope kind %s without payload", e.Kind)
		}
		return domain.TradeEvent{Trade: *e.Trade}, nil
	case domain.KindQuote:
		if e.Quote == nil {
			return nil, fmt.Errorf("envelope kind %s without payload", e.Kind)
		}
		return domain.QuoteEvent{Quote: *e.Quote}, nil
	}
	return nil, fmt.Errorf("unknown envelope kind %q", e.Kind)
}

// Encoder writes events as NDJSON.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an Encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one event as a JSON line and flushes.
func (enc *Encoder) Encode(ev domain.Event) error {
	env, err := Wrap(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", env.Kind, err)
	}
	if _, err := enc.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return enc.w.Flush()
}

// Decoder reads NDJSON events.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder on r. Lines up to 1 MiB are accepted.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Decoder{scanner: sc}
}

// Next returns the next event, or io.EOF when the stream ends. Blank lines
// are skipped; a malformed line is returned as an error without consuming
// the rest of the stream.
func (dec *Decoder) Next() (domain.Event, error) {
	for dec.scanner.Scan() {
		line := dec.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
		}
		ev, err := env.Event()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
		}
		return ev, nil
	}
	if err := dec.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
