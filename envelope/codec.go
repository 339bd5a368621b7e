package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type wireEnvelope struct {
	Kind        MessageKind                      `json:"kind"`
	Granularity Granularity                      `json:"granularity"`
	Decorators  map[DecoratorKey]json.RawMessage `json:"decorators,omitempty"`
}

type decoratorDecoder func(json.RawMessage) (any, error)

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Keys missing here are kept as json.RawMessage.
var decoders = map[DecoratorKey]decoratorDecoder{
	KeyOutcome:          decodeAs[Outcome],
	KeyStage:            decodeAs[Stage],
	KeyScenarioResult:   decodeAs[ScenarioResult],
	KeyMethodMetadata:   decodeAs[MethodMetadata],
	KeyClassMetadata:    decodeAs[ClassMetadata],
	KeyAssemblyMetadata: decodeAs[AssemblyMetadata],
	KeyHarnessInfo:      decodeAs[HarnessInfo],
	KeyIgnore:           decodeAs[bool],
	KeyException:        decodeAs[ExceptionInfo],
	KeyMessage:          decodeAs[string],
	KeyTimestamp:        decodeAs[time.Time],
	KeyTotalMessages:    decodeAs[int],
}

// MarshalJSON encodes the envelope in its wire format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Kind:        e.kind,
		Granularity: e.granularity,
	}
	if len(e.decorators) > 0 {
		w.Decorators = make(map[DecoratorKey]json.RawMessage, len(e.decorators))
		for k, v := range e.decorators {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode decorator %q: %w", k, err)
			}
			w.Decorators[k] = raw
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format, typing every known decorator. A known
// decorator whose value does not decode is kept as json.RawMessage, so typed
// lookups report it as having the wrong type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Kind == KindUnknown {
		return errors.New("envelope kind is required")
	}
	decorators := make(Decorators, len(w.Decorators))
	for k, raw := range w.Decorators {
		decode, ok := decoders[k]
		if !ok {
			decorators[k] = raw
			continue
		}
		v, err := decode(raw)
		if err != nil {
			decorators[k] = raw
			continue
		}
		decorators[k] = v
	}
	*e = New(w.Kind, w.Granularity, decorators)
	return nil
}

// Decode parses a single wire-format envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return e, nil
}

// BatchError lists the elements of a batch that could not be decoded. The
// remaining elements are still returned by DecodeBatch.
type BatchError struct {
	Total   int
	Skipped map[int]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("skipped %d of %d envelopes", len(e.Skipped), e.Total)
}

// DecodeBatch parses either a single envelope object or an array of them.
// Array elements that fail to decode are left out and reported through a
// *BatchError alongside the envelopes that did decode.
func DecodeBatch(data []byte) ([]Envelope, error) {
	trimmed := skipSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		e, err := Decode(trimmed)
		if err != nil {
			return nil, err
		}
		return []Envelope{e}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("invalid envelope batch: %w", err)
	}
	batch := make([]Envelope, 0, len(raws))
	var skipped map[int]error
	for i, raw := range raws {
		e, err := Decode(raw)
		if err != nil {
			if skipped == nil {
				skipped = make(map[int]error)
			}
			skipped[i] = err
			continue
		}
		batch = append(batch, e)
	}
	if len(skipped) > 0 {
		return batch, &BatchError{Total: len(raws), Skipped: skipped}
	}
	return batch, nil
}

func skipSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			b = b[1:]
		default:
			return b
		}
	}
	return b
}
