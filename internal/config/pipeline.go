package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Stage kinds understood by the playground transform pipeline. The pipeline
// is configuration for the external bundler's plugins, not a transform
// implementation of our own.
const (
	StageKindResolve   = "resolve"
	StageKindTransform = "transform"
)

// Pipeline is the ordered sequence of transform stages applied by the
// external bundler. Resolution stages must precede syntax-transform stages:
// imports have to be resolved to concrete files before those files can be
// rewritten.
type Pipeline []Stage

// DefaultPipeline returns the two-stage pipeline used when a playground does
// not configure one: extension-aware resolution followed by TypeScript
// syntax stripping.
func DefaultPipeline() Pipeline {
	return Pipeline{
		{
			Kind: StageKindResolve,
			Options: map[string]any{
				"extensions": []string{".ts", ".js", ".json"},
			},
		},
		{
			Kind: StageKindTransform,
			Options: map[string]any{
				"transforms": []string{"typescript"},
			},
		},
	}
}

func (p Pipeline) Validate() error {
	transformSeen := false
	for i, stage := range p {
		typed, err := stage.Typed()
		if err != nil {
			return fmt.Errorf("pipeline stage %d: %w", i, err)
		}

		switch typed.(type) {
		case StageResolve:
			if transformSeen {
				return fmt.Errorf("pipeline stage %d: resolution must precede syntax transform", i)
			}
		case StageTransform:
			transformSeen = true
		}
	}
	return nil
}

func (p Pipeline) Equal(other Pipeline) bool {
	return slices.EqualFunc(p, other, Stage.Equal) // stage order matters
}

// Stage is one named transform stage with stage-kind specific options. Use
// Typed to decode the options.
type Stage struct {
	Kind    string         `json:"kind" enum:"resolve,transform" required:"true"`
	Options map[string]any `json:"options,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (s Stage) Equal(other Stage) bool {
	if s.Kind != other.Kind {
		return false
	}
	// Compare the typed views so that omitted options and their spelled-out
	// defaults count as equal.
	a, errA := s.Typed()
	b, errB := other.Typed()
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	switch at := a.(type) {
	case StageResolve:
		bt, ok := b.(StageResolve)
		return ok && slices.Equal(at.Extensions, bt.Extensions)
	case StageTransform:
		bt, ok := b.(StageTransform)
		return ok && slices.Equal(at.Transforms, bt.Transforms) && slices.Equal(at.Exclude, bt.Exclude)
	}
	return false
}

// Typed decodes the stage options into the kind-specific struct and
// validates them.
func (s Stage) Typed() (any, error) {
	switch s.Kind {
	case StageKindResolve:
		value := StageResolve{}
		if err := decode(s.Options, &value); err != nil {
			return nil, err
		}
		if len(value.Extensions) == 0 {
			value.Extensions = []string{".ts", ".js", ".json"}
		}
		for _, ext := range value.Extensions {
			if !strings.HasPrefix(ext, ".") {
				return nil, fmt.Errorf("resolve extension %q must start with a dot", ext)
			}
		}
		return value, nil

	case StageKindTransform:
		value := StageTransform{}
		if err := decode(s.Options, &value); err != nil {
			return nil, err
		}
		if len(value.Transforms) == 0 {
			value.Transforms = []string{"typescript"}
		}
		return value, nil

	default:
		return nil, fmt.Errorf("unknown stage kind %q", s.Kind)
	}
}

// StageResolve configures extension-aware module resolution so that
// extensionless import references resolve to concrete files. The precedence
// order of Extensions is significant.
type StageResolve struct {
	Extensions []string `json:"extensions,omitempty"`
}

// StageTransform configures the source-language syntax transform. It is
// transform-only: the external plugin strips syntax (e.g. TypeScript type
// annotations) and never type checks.
type StageTransform struct {
	Transforms []string `json:"transforms,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:  "json",
		Metadata: nil,
		Result:   output,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
