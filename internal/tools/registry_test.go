package tools

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type namedTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) (*Result, error)
}

func (t *namedTool) Name() string        { return t.name }
func (t *namedTool) Description() string { return t.name + " tool" }
func (t *namedTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *namedTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return NewResult("ok from " + t.name), nil
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&namedTool{name: "echo"})

	res := reg.Execute(context.Background(), "echo", nil)
	if res.IsError || res.ForLLM != "ok from echo" {
		t.Errorf("result = %+v", res)
	}

	res = reg.Execute(context.Background(), "nope", nil)
	if !res.IsError || res.ForLLM != "unknown tool: nope" {
		t.Errorf("unknown tool result = %+v", res)
	}
}

func TestRegistryExecuteConvertsErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&namedTool{name: "fails", fn: func(context.Context, map[string]interface{}) (*Result, error) {
		return nil, errors.New("backend down")
	}})
	reg.Register(&namedTool{name: "partial", fn: func(context.Context, map[string]interface{}) (*Result, error) {
		return NewResult("half done"), errors.New("backend down")
	}})
	reg.Register(&namedTool{name: "nilres", fn: func(context.Context, map[string]interface{}) (*Result, error) {
		return nil, nil
	}})

	res := reg.Execute(context.Background(), "fails", nil)
	if !res.IsError || res.ForLLM != "backend down" {
		t.Errorf("fails result = %+v", res)
	}

	// A tool that returned both output and an error keeps its output.
	res = reg.Execute(context.Background(), "partial", nil)
	if !res.IsError || res.ForLLM != "half done" {
		t.Errorf("partial result = %+v", res)
	}

	res = reg.Execute(context.Background(), "nilres", nil)
	if res == nil || res.IsError {
		t.Errorf("nilres result = %+v", res)
	}
}

func TestRegistryExecuteRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&namedTool{name: "boom", fn: func(context.Context, map[string]interface{}) (*Result, error) {
		panic("kaput")
	}})

	res := reg.Execute(context.Background(), "boom", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "tool boom failed") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryOrderAndReplace(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&namedTool{name: "a"})
	reg.Register(&namedTool{name: "b"})
	reg.Register(&namedTool{name: "c"})

	// Re-registering keeps the original position.
	reg.Register(&namedTool{name: "a", fn: func(context.Context, map[string]interface{}) (*Result, error) {
		return NewResult("replaced"), nil
	}})

	if got := reg.List(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("List = %v", got)
	}
	if res := reg.Execute(context.Background(), "a", nil); res.ForLLM != "replaced" {
		t.Errorf("replacement not in effect: %+v", res)
	}

	reg.Unregister("b")
	if got := reg.List(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("List after Unregister = %v", got)
	}
}

func TestRegistryProviderDefs(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&namedTool{name: "a"})
	reg.Register(&namedTool{name: "b"})
	reg.Register(&namedTool{name: "c"})

	defs := reg.ProviderDefs([]string{"c", "a"})
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Function.Name
	}
	// Registration order wins over filter order.
	if !reflect.DeepEqual(names, []string{"a", "c"}) {
		t.Errorf("filtered defs = %v", names)
	}

	if defs := reg.ProviderDefs(nil); len(defs) != 3 {
		t.Errorf("nil filter defs = %d, want 3", len(defs))
	}
	if defs := reg.ProviderDefs([]string{}); len(defs) != 0 {
		t.Errorf("empty filter defs = %d, want 0", len(defs))
	}

	for _, d := range reg.ProviderDefs(nil) {
		if d.Type != "function" || d.Function.Parameters == nil {
			t.Errorf("malformed def: %+v", d)
		}
	}
}
