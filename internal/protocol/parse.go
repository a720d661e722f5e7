package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("packet: malformed envelope")

var jsonNull = []byte("null")

// Parse decodes wire bytes into an envelope. Every tag of the selected
// variant must be present with the right JSON type.
func Parse(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var enc bool
	if err := tag(fields, "enc", &enc); err != nil {
		return nil, err
	}

	if enc {
		s := &SecretPacket{}
		if err := tag(fields, "meta", &s.Meta); err != nil {
			return nil, err
		}
		if err := tag(fields, "body", &s.Body); err != nil {
			return nil, err
		}
		return s, nil
	}

	p := &Packet{}
	if err := tag(fields, "src", &p.Src); err != nil {
		return nil, err
	}
	if err := tag(fields, "dest", &p.Dest); err != nil {
		return nil, err
	}
	if err := tag(fields, "mtype", &p.MType); err != nil {
		return nil, err
	}
	if err := tag(fields, "body", &p.Body); err != nil {
		return nil, err
	}
	if err := tag(fields, "timestamp", &p.Timestamp); err != nil {
		return nil, err
	}
	return p, nil
}

// Reconstruct is Parse for the receive path: it never fails, malformed input
// comes back as a null packet describing the problem.
func Reconstruct(data []byte) Envelope {
	env, err := Parse(data)
	if err != nil {
		return Null(err.Error())
	}
	return env
}

func tag(fields map[string]json.RawMessage, name string, v any) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("%w: missing %s tag", ErrMalformed, name)
	}
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return fmt.Errorf("%w: bad %s tag", ErrMalformed, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: bad %s tag", ErrMalformed, name)
	}
	return nil
}
