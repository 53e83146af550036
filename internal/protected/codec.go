// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package protected

import (
	"encoding/json"

	"github.com/juju/errors"
)

// segmentPayload is the wire format of an archived change-log segment.
type segmentPayload struct {
	Mutations []Mutation `json:"mutations"`
}

// EncodeMutations serializes a segment's mutations for archiving.
func EncodeMutations(mutations []Mutation) ([]byte, error) {
	data, err := json.Marshal(segmentPayload{Mutations: mutations})
	return data, errors.Trace(err)
}

// DecodeMutations deserializes an archived segment payload.
func DecodeMutations(data []byte) ([]Mutation, error) {
	var payload segmentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Annotate(err, "decoding segment payload")
	}
	return payload.Mutations, nil
}
