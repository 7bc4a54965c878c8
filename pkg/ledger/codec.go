package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// envelope is the on-ledger framing of every record. Data is decoded only
// after kind and version match what the reader expects.
type envelope struct {
	Kind string          `json:"kind"`
	V    uint16          `json:"v"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps v in a versioned envelope.
func Encode(kind string, version uint16, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	out, err := json.Marshal(envelope{Kind: kind, V: version, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", kind, err)
	}
	return out, nil
}

// Decode fails closed: a different kind, an unknown version, unknown fields or
// trailing bytes all return ErrSchemaMismatch instead of a partially filled v.
func Decode(raw []byte, kind string, version uint16, v any) error {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s envelope: %v", ErrSchemaMismatch, kind, err)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: want kind %q, got %q", ErrSchemaMismatch, kind, env.Kind)
	}
	if env.V != version {
		return fmt.Errorf("%w: %s version %d not supported (want %d)", ErrSchemaMismatch, kind, env.V, version)
	}
	if err := strictUnmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, kind, err)
	}
	return nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data")
	}
	return nil
}
