package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// decodeJSONBody reads exactly one JSON value and rejects unknown fields and
// trailing data.
func decodeJSONBody(body io.Reader, dst any) error {
	if body == nil {
		return invalid("request body required")
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return invalid("request body required")
		}
		return invalid(fmt.Sprintf("decode body: %v", err))
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return invalid(fmt.Sprintf("decode body: %v", err))
	}
	return invalid("unexpected trailing JSON value")
}
