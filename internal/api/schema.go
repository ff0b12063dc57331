package api

import (
	_ "embed"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "mechx/internal/errors"
)

//go:embed schema/create_request.json
var createRequestSchemaJSON string

var createRequestSchema = jsonschema.MustCompileString("create_request.json", createRequestSchemaJSON)

// decodeCreateRequest checks raw against the create request schema before
// decoding it, so shape errors are reported with the offending location.
func decodeCreateRequest(raw []byte) (CreateRequest, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CreateRequest{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed request body")
	}
	if err := createRequestSchema.Validate(doc); err != nil {
		return CreateRequest{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body does not match schema")
	}
	var body CreateRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		return CreateRequest{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed request body")
	}
	return body, nil
}
