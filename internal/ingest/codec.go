package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"escalation/internal/domain"
)

const maxPooledBatchCapacity = 4096

type decodeScratch struct {
	envelopes []domain.Envelope
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{envelopes: make([]domain.Envelope, 0, 16)}
	},
}

// decodePayload auto-detects batch vs single envelope.
// Params: raw JSON bytes with one object or array.
// Returns: validated envelopes; the slice is owned by the caller.
func decodePayload(raw []byte) ([]domain.Envelope, error) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	envelopes, err := decodePayloadInto(raw, scratch)
	if err != nil {
		return nil, err
	}
	return append([]domain.Envelope(nil), envelopes...), nil
}

func decodePayloadInto(raw []byte, scratch *decodeScratch) ([]domain.Envelope, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	envelopes := scratch.envelopes[:0]
	if payload[0] != '[' {
		envelope, err := domain.DecodeEnvelopeReader(decoder)
		if err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		scratch.envelopes = append(envelopes, envelope)
		return scratch.envelopes, nil
	}

	var batch []json.RawMessage
	if err := decoder.Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode envelope batch: %w", err)
	}
	if len(batch) == 0 {
		return nil, errors.New("envelope batch must contain at least one item")
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	for i, item := range batch {
		envelope, err := domain.DecodeEnvelope(item)
		if err != nil {
			return nil, fmt.Errorf("envelope[%d]: %w", i, err)
		}
		envelopes = append(envelopes, envelope)
	}
	scratch.envelopes = envelopes
	return envelopes, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	clear(scratch.envelopes)
	if cap(scratch.envelopes) > maxPooledBatchCapacity {
		scratch.envelopes = make([]domain.Envelope, 0, 16)
	} else {
		scratch.envelopes = scratch.envelopes[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
