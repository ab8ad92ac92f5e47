// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// checkSchema validates a generically decoded document against the
// embedded #Config definition.
func checkSchema(document map[string]any) error {
	cueContext := cuecontext.New()

	schema := cueContext.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling embedded schema: %w", err)
	}
	definition := schema.LookupPath(cue.ParsePath("#Config"))

	value := cueContext.Encode(document)
	if err := value.Err(); err != nil {
		return &Error{Message: fmt.Sprintf("encoding document: %v", err)}
	}

	unified := definition.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError converts the first CUE error into an *Error carrying the
// field path.
func schemaError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	first := errs[0]
	path := first.Path()
	field := ""
	if len(path) > 0 {
		field = strings.Join(path, ".")
		if path[0] == "#Config" {
			field = strings.Join(path[1:], ".")
		}
	}
	format, args := first.Msg()
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}
