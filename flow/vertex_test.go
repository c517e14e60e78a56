package flow

import (
	"context"
	"strings"
	"testing"
)

func buildAndInit(t *testing.T, reg *Registry, desc VertexDescriptor) error {
	t.Helper()
	v, err := reg.Build(desc)
	if err != nil {
		return err
	}
	return v.Initialize(desc)
}

func TestVertexConfigValidation(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterTask("known", func(context.Context, *ExecContext) (Result, error) {
		return Result{}, nil
	})

	tests := []struct {
		name    string
		desc    VertexDescriptor
		wantErr string
	}{
		{
			"task without handler or output",
			VertexDescriptor{ID: "t", Kind: KindTask},
			"no handler registered",
		},
		{
			"task with registered handler",
			VertexDescriptor{ID: "t", Kind: KindTask, Config: map[string]any{"handler": "known"}},
			"",
		},
		{
			"task with static output only",
			VertexDescriptor{ID: "t", Kind: KindTask, Config: map[string]any{"output": map[string]any{"k": "v"}}},
			"",
		},
		{
			"branch without condition",
			VertexDescriptor{ID: "b", Kind: KindBranch},
			"requires a condition",
		},
		{
			"switch without expression",
			VertexDescriptor{ID: "s", Kind: KindSwitch},
			"requires an expression",
		},
		{
			"foreach without collection",
			VertexDescriptor{ID: "f", Kind: KindForeach},
			"requires a collection",
		},
		{
			"while without condition",
			VertexDescriptor{ID: "w", Kind: KindWhile},
			"requires a condition",
		},
		{
			"while with unknown handler",
			VertexDescriptor{ID: "w", Kind: KindWhile, Config: map[string]any{
				"condition": "true",
				"handler":   "nope",
			}},
			`no handler registered as "nope"`,
		},
		{
			"subflow without graph or path",
			VertexDescriptor{ID: "sf", Kind: KindSubflow},
			"requires an inline graph or a path",
		},
		{
			"subflow with invalid inline graph",
			VertexDescriptor{ID: "sf", Kind: KindSubflow, Config: map[string]any{
				"graph": map[string]any{"id": "child"},
			}},
			"failed validation",
		},
		{
			"container without children",
			VertexDescriptor{ID: "c", Kind: KindContainer},
			"at least one child",
		},
		{
			"container with unknown mode",
			VertexDescriptor{ID: "c", Kind: KindContainer, Config: map[string]any{
				"mode":     "diagonal",
				"vertices": []any{map[string]any{"id": "x", "kind": "task"}},
			}},
			"unknown container mode",
		},
		{
			"unregistered kind",
			VertexDescriptor{ID: "u", Kind: "hologram"},
			"no implementation registered",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buildAndInit(t, reg, tt.desc)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestTaskStaticOutputMerge(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterTask("work", func(context.Context, *ExecContext) (Result, error) {
		return Result{Output: map[string]any{"dynamic": 1, "both": "handler"}}, nil
	})

	desc := VertexDescriptor{ID: "t", Kind: KindTask, Config: map[string]any{
		"handler": "work",
		"output":  map[string]any{"static": "x", "both": "config"},
		"port":    "Done",
	}}
	v, err := reg.Build(desc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := v.Initialize(desc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	res, err := v.Execute(context.Background(), &ExecContext{Globals: NewVars(nil)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Port != "Done" {
		t.Errorf("port = %q, want configured port", res.Port)
	}
	if res.Output["dynamic"] != 1 || res.Output["static"] != "x" {
		t.Errorf("output = %v, want handler and static keys merged", res.Output)
	}
	// Handler results win over static keys.
	if res.Output["both"] != "handler" {
		t.Errorf("output[both] = %v, want handler value", res.Output["both"])
	}
}

func TestTaskHandlerDefaultsToVertexID(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterTask("named", func(context.Context, *ExecContext) (Result, error) {
		return Result{Output: map[string]any{"ok": true}}, nil
	})

	desc := VertexDescriptor{ID: "named", Kind: KindTask}
	v, err := reg.Build(desc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := v.Initialize(desc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	res, err := v.Execute(context.Background(), &ExecContext{Globals: NewVars(nil)})
	if err != nil || res.Output["ok"] != true {
		t.Errorf("Execute = %+v, %v", res, err)
	}
}

func TestRegisterKindOverridesBuiltin(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterKind(KindTask, func(desc VertexDescriptor) (Vertex, error) {
		return &staticVertex{}, nil
	})
	v, err := reg.Build(VertexDescriptor{ID: "t", Kind: KindTask})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := v.(*staticVertex); !ok {
		t.Errorf("Build returned %T, want the custom implementation", v)
	}
}

type staticVertex struct{}

func (*staticVertex) Initialize(VertexDescriptor) error { return nil }
func (*staticVertex) Execute(context.Context, *ExecContext) (Result, error) {
	return Result{}, nil
}
