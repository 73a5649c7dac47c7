package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/models"
	"github.com/google/jsonschema-go/jsonschema"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 16 << 10

type otpRequestBody struct {
	Email   string         `json:"email"`
	Purpose models.Purpose `json:"purpose"`
}

type codeBody struct {
	Email        string `json:"email"`
	Passcode     string `json:"passcode"`
	StaySignedIn *bool  `json:"staySignedIn"`
}

type renewBody struct {
	RenewRefreshToken bool `json:"renewRefreshToken"`
}

// noExtra forbids properties not listed in Properties.
var noExtra = &jsonschema.Schema{Not: &jsonschema.Schema{}}

var (
	requestSchema = mustResolve(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"email":   {Type: "string", MinLength: ptr(3), MaxLength: ptr(254)},
			"purpose": {Type: "string", Enum: []any{"signup", "signin", "sudo"}},
		},
		Required:             []string{"email", "purpose"},
		AdditionalProperties: noExtra,
	})

	codeSchema = mustResolve(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"email":        {Type: "string", MinLength: ptr(3), MaxLength: ptr(254)},
			"passcode":     {Type: "string", Pattern: "^[0-9]{6}$"},
			"staySignedIn": {Type: "boolean"},
		},
		Required:             []string{"email", "passcode"},
		AdditionalProperties: noExtra,
	})

	renewSchema = mustResolve(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"renewRefreshToken": {Type: "boolean"},
		},
		AdditionalProperties: noExtra,
	})
)

func ptr[T any](v T) *T { return &v }

func mustResolve(s *jsonschema.Schema) *jsonschema.Resolved {
	rs, err := s.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		panic(fmt.Sprintf("resolving body schema: %v", err))
	}

	return rs
}

// decodeBody validates the JSON body of r against schema and decodes it
// into dst. Any malformed or non-conforming body is BadRequest. When
// optional is set an empty body is accepted and leaves dst untouched.
func decodeBody(r *http.Request, schema *jsonschema.Resolved, dst any, optional bool) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return autherr.Wrap(autherr.KindBadRequest, err)
	}

	if len(data) > maxBodyBytes {
		return autherr.BadRequest()
	}

	if len(bytes.TrimSpace(data)) == 0 {
		if optional {
			return nil
		}

		return autherr.BadRequest()
	}

	var instance map[string]any
	if err := json.Unmarshal(data, &instance); err != nil {
		return autherr.Wrap(autherr.KindBadRequest, err)
	}

	if err := schema.Validate(instance); err != nil {
		return autherr.Wrap(autherr.KindBadRequest, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return autherr.Wrap(autherr.KindBadRequest, err)
	}

	return nil
}

// validEmail accepts a bare address only, rejecting display names.
func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}

	return addr.Address == email
}
