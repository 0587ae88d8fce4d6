package tool

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fogfish/opts"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/parley-ai/parley/pkg/reflectx"
	"github.com/parley-ai/parley/pkg/stdx"
)

// Definition describes one registered tool handler: its provider-facing
// name, description, parameter names and the Go function that implements
// it.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]string
	Function    any
}

var functionReflector = jsonschema.Reflector{
	AllowAdditionalProperties: true,
	DoNotReference:            true,
}

// ToNameAndSchema returns the handler name and the JSON schema of its
// parameters, derived from the function signature.
func (td Definition) ToNameAndSchema() (string, *jsonschema.Schema) {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: orderedmap.New[string, *jsonschema.Schema](),
	}

	typ := reflect.TypeOf(td.Function)
	if typ == nil || typ.Kind() != reflect.Func {
		return td.Name, schema
	}

	ctxType := reflect.TypeOf((*context.Context)(nil)).Elem()

	var required []string
	argIdx := 0
	for i := 0; i < typ.NumIn(); i++ {
		// A leading context parameter is injected at call time, it never
		// appears in the argument schema.
		if typ.In(i) == ctxType {
			continue
		}

		paramName := fmt.Sprintf("param%d", argIdx)
		if td.Parameters != nil {
			if p, ok := td.Parameters[paramName]; ok {
				paramName = p
			}
		}
		argIdx++

		propSchema := functionReflector.ReflectFromType(typ.In(i))
		propSchema.Version = ""
		schema.Properties.Set(paramName, propSchema)
		required = append(required, paramName)
	}
	if len(required) > 0 {
		schema.Required = required
	}

	return td.Name, schema
}

// Option configures a Definition during construction.
type Option = opts.Option[Definition]

// Must is New with a panic on error, for static tool tables.
func Must(f any, options ...Option) Definition {
	return stdx.Must1(New(f, options...))
}

// New builds a Definition from a handler function and options. The name
// defaults to the function's reflected name when not set explicitly.
func New(f any, options ...Option) (Definition, error) {
	if !reflectx.IsFunction(f) {
		return Definition{}, fmt.Errorf("provided value is not a function")
	}

	var def Definition
	if err := opts.Apply(&def, options); err != nil {
		return Definition{}, err
	}
	if def.Name == "" {
		def.Name = reflectx.FunctionName(f)
	}

	def.Function = f
	return def, nil
}

// Name sets the provider-facing name of the tool.
var Name = opts.ForName[Definition, string]("Name")

// Description sets the human-readable description the provider shows the
// model.
var Description = opts.ForName[Definition, string]("Description")

// Parameters names the handler's positional parameters in order. The
// names become the keys of the generated argument schema.
func Parameters(parameters ...string) Option {
	return opts.Type[Definition](func(o *Definition) error {
		o.Parameters = make(map[string]string, len(parameters))
		for i, p := range parameters {
			o.Parameters[fmt.Sprintf("param%d", i)] = p
		}
		return nil
	})
}
