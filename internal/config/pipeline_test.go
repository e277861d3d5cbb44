package config_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/packlane/packlane/internal/config"
)

func TestPipelineValidate(t *testing.T) {
	cases := []struct {
		note     string
		pipeline config.Pipeline
		expError string
	}{
		{
			note:     "default pipeline",
			pipeline: config.DefaultPipeline(),
		},
		{
			note: "resolve only",
			pipeline: config.Pipeline{
				{Kind: config.StageKindResolve},
			},
		},
		{
			note: "transform only",
			pipeline: config.Pipeline{
				{Kind: config.StageKindTransform},
			},
		},
		{
			note: "resolve after transform",
			pipeline: config.Pipeline{
				{Kind: config.StageKindTransform},
				{Kind: config.StageKindResolve},
			},
			expError: "resolution must precede syntax transform",
		},
		{
			note: "unknown kind",
			pipeline: config.Pipeline{
				{Kind: "minify"},
			},
			expError: `unknown stage kind "minify"`,
		},
		{
			note: "extension without dot",
			pipeline: config.Pipeline{
				{Kind: config.StageKindResolve, Options: map[string]any{"extensions": []string{"ts"}}},
			},
			expError: "must start with a dot",
		},
	}

	for _, tc := range cases {
		t.Run(tc.note, func(t *testing.T) {
			err := tc.pipeline.Validate()
			if tc.expError == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.expError) {
				t.Fatalf("expected error containing %q, got %v", tc.expError, err)
			}
		})
	}
}

func TestStageTyped(t *testing.T) {
	t.Run("resolve defaults", func(t *testing.T) {
		typed, err := config.Stage{Kind: config.StageKindResolve}.Typed()
		if err != nil {
			t.Fatal(err)
		}
		exp := config.StageResolve{Extensions: []string{".ts", ".js", ".json"}}
		if diff := cmp.Diff(exp, typed); diff != "" {
			t.Fatalf("unexpected options (-want +got):\n%s", diff)
		}
	})

	t.Run("transform defaults", func(t *testing.T) {
		typed, err := config.Stage{Kind: config.StageKindTransform}.Typed()
		if err != nil {
			t.Fatal(err)
		}
		exp := config.StageTransform{Transforms: []string{"typescript"}}
		if diff := cmp.Diff(exp, typed); diff != "" {
			t.Fatalf("unexpected options (-want +got):\n%s", diff)
		}
	})

	t.Run("explicit options decoded", func(t *testing.T) {
		typed, err := config.Stage{
			Kind: config.StageKindTransform,
			Options: map[string]any{
				"transforms": []string{"typescript"},
				"exclude":    []string{"**/*.d.ts"},
			},
		}.Typed()
		if err != nil {
			t.Fatal(err)
		}
		exp := config.StageTransform{
			Transforms: []string{"typescript"},
			Exclude:    []string{"**/*.d.ts"},
		}
		if diff := cmp.Diff(exp, typed); diff != "" {
			t.Fatalf("unexpected options (-want +got):\n%s", diff)
		}
	})
}

func TestPipelineEqual(t *testing.T) {
	// A stage with omitted options equals one spelling out the defaults.
	a := config.Pipeline{{Kind: config.StageKindResolve}}
	b := config.Pipeline{{
		Kind:    config.StageKindResolve,
		Options: map[string]any{"extensions": []string{".ts", ".js", ".json"}},
	}}
	if !a.Equal(b) {
		t.Fatal("expected pipelines to be equal")
	}

	c := config.Pipeline{{
		Kind:    config.StageKindResolve,
		Options: map[string]any{"extensions": []string{".js"}},
	}}
	if a.Equal(c) {
		t.Fatal("expected pipelines to differ")
	}
}
