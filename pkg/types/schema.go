package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/berth/pkg/errdefs"
)

// DecodeState strictly decodes a state payload. Unknown fields, mistyped
// fields, trailing data and unsupported schema versions are rejected.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := decodeStrict(data, &s); err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(s.SchemaVersion); err != nil {
		return nil, err
	}
	if s.Operation != nil {
		if err := validateOperation(s.Operation); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// DecodeOperation strictly decodes a progress payload
func DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := decodeStrict(data, &op); err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(op.SchemaVersion); err != nil {
		return nil, err
	}
	if err := validateOperation(&op); err != nil {
		return nil, err
	}
	return &op, nil
}

// DecodePortPreferences strictly decodes a {ui, ssh} request and validates it
func DecodePortPreferences(data []byte) (PortPreferences, error) {
	var p PortPreferences
	if err := decodeStrict(data, &p); err != nil {
		return PortPreferences{}, errdefs.Wrap(errdefs.CodeInvalidPorts, "", err)
	}
	if err := p.Validate(); err != nil {
		return PortPreferences{}, err
	}
	return p, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdefs.Wrap(errdefs.CodeInvalidPayload, "", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errdefs.New(errdefs.CodeInvalidPayload, "The request payload has trailing data.")
	}
	return nil
}

func checkSchemaVersion(v int) error {
	if v != SchemaVersion {
		return errdefs.Newf(errdefs.CodeInvalidPayload,
			"Unsupported schema version %d.", v)
	}
	return nil
}

func validateOperation(op *Operation) error {
	if op.ID == "" {
		return errdefs.New(errdefs.CodeInvalidPayload, "Operation id is missing.")
	}
	if !op.Type.Valid() {
		return errdefs.Wrap(errdefs.CodeInvalidPayload, "",
			fmt.Errorf("unknown operation type %q", op.Type))
	}
	if !op.Status.Valid() {
		return errdefs.Wrap(errdefs.CodeInvalidPayload, "",
			fmt.Errorf("unknown operation status %q", op.Status))
	}
	for _, p := range []*float64{op.Progress, op.DownloadProgress, op.ExtractProgress} {
		if p != nil && (*p < 0 || *p > 100) {
			return errdefs.Wrap(errdefs.CodeInvalidPayload, "",
				fmt.Errorf("progress %v out of range", *p))
		}
	}
	return nil
}
