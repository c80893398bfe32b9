package activity

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateArgs checks activity args against a JSON Schema a host declared
// for itself. A nil schema accepts anything. Nil args validate as an empty
// object, so a schema without required properties accepts an argless launch.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return &Error{Kind: KindArgsSchema, Message: "schema validation could not run", Err: err}
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &Error{Kind: KindArgsSchema, Message: strings.Join(details, "; ")}
}
