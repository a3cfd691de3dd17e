package wire

import (
	"errors"
	"fmt"
	"os"
)

// DefaultInlineThreshold is the largest encoded payload carried inline in
// an Envelope. Larger payloads move through an out-of-band shared buffer.
const DefaultInlineThreshold = 4096

// ErrEmptyEnvelope is returned when unpacking an envelope that carries
// neither an inline payload nor an out-of-band reference.
var ErrEmptyEnvelope = errors.New("envelope has no payload")

// OOBRef points at an out-of-band shared buffer holding an encoded payload
// too large to travel inline. The receiving side owns the buffer after
// unpacking and removes it.
type OOBRef struct {
	// Path locates the shared buffer.
	Path string `cbor:"1,keyasint"`

	// Size is the encoded payload size in bytes, used to validate the
	// buffer before decoding.
	Size int64 `cbor:"2,keyasint"`
}

// Envelope carries one encoded batch either inline or by out-of-band
// reference. Exactly one of Inline and OOB is set.
type Envelope struct {
	Inline []byte  `cbor:"1,keyasint,omitempty"`
	OOB    *OOBRef `cbor:"2,keyasint,omitempty"`
}

// PackEnvelope encodes v and wraps it in an Envelope. Payloads larger than
// threshold are written to a shared buffer and referenced out-of-band;
// callers never see the difference on the far side. A threshold <= 0 uses
// DefaultInlineThreshold.
func PackEnvelope(v any, threshold int) (*Envelope, error) {
	if threshold <= 0 {
		threshold = DefaultInlineThreshold
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if len(data) <= threshold {
		return &Envelope{Inline: data}, nil
	}

	f, err := os.CreateTemp("", "propgate-oob-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create shared buffer: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write shared buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close shared buffer: %w", err)
	}
	return &Envelope{OOB: &OOBRef{Path: f.Name(), Size: int64(len(data))}}, nil
}

// UnpackEnvelope reconstructs the payload of env into out. Out-of-band
// buffers are removed after a successful read; reconstruction is invisible
// to the caller either way.
func UnpackEnvelope(env *Envelope, out any) error {
	switch {
	case env == nil:
		return ErrEmptyEnvelope
	case len(env.Inline) > 0:
		return Unmarshal(env.Inline, out)
	case env.OOB != nil:
		data, err := os.ReadFile(env.OOB.Path)
		if err != nil {
			return fmt.Errorf("failed to read shared buffer: %w", err)
		}
		if int64(len(data)) != env.OOB.Size {
			return fmt.Errorf("shared buffer size mismatch: got %d, want %d",
				len(data), env.OOB.Size)
		}
		os.Remove(env.OOB.Path)
		return Unmarshal(data, out)
	default:
		return ErrEmptyEnvelope
	}
}
