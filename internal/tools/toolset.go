package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"convod/internal/llm"
	"convod/internal/storage"
)

// contextParamMarker wraps parameter names that are filled from server-side
// context instead of model output, e.g. "__user_id__".
const contextParamMarker = "_"

type compiledTool struct {
	name          string
	proto         *lua.FunctionProto
	funcName      string
	contextParams []string
}

// Toolset holds the compiled callables and provider-facing specs for the
// tools attached to one prompt template. Tool code is a Lua chunk that must
// define exactly one top-level function; anything else is a configuration
// error caught here, at construction time.
type Toolset struct {
	specs  []llm.ToolSpec
	tools  map[string]*compiledTool
	logger zerolog.Logger
}

func Compile(rows []storage.Tool, logger zerolog.Logger) (*Toolset, error) {
	ts := &Toolset{
		specs:  make([]llm.ToolSpec, 0, len(rows)),
		tools:  make(map[string]*compiledTool, len(rows)),
		logger: logger,
	}

	for _, row := range rows {
		if _, exists := ts.tools[row.Name]; exists {
			return nil, fmt.Errorf("tool %q: duplicate name in template", row.Name)
		}

		proto, funcName, err := compileToolCode(row.Name, row.ToolCode)
		if err != nil {
			return nil, err
		}

		var spec json.RawMessage
		if err := json.Unmarshal([]byte(row.ToolJSONSpec), &spec); err != nil {
			return nil, fmt.Errorf("tool %q: invalid json spec: %w", row.Name, err)
		}

		var contextParams []string
		if raw := strings.TrimSpace(row.ContextParamsJSON); raw != "" {
			if err := json.Unmarshal([]byte(raw), &contextParams); err != nil {
				return nil, fmt.Errorf("tool %q: invalid context params: %w", row.Name, err)
			}
		}

		ts.tools[row.Name] = &compiledTool{
			name:          row.Name,
			proto:         proto,
			funcName:      funcName,
			contextParams: contextParams,
		}
		ts.specs = append(ts.specs, llm.ToolSpec{Type: "function", Function: spec})
	}

	return ts, nil
}

func (ts *Toolset) Len() int {
	return len(ts.tools)
}

// Specs returns the provider-facing tool list, each stored spec wrapped as
// {type:"function", function:<spec>}.
func (ts *Toolset) Specs() []llm.ToolSpec {
	return ts.specs
}

func (ts *Toolset) Has(name string) bool {
	_, ok := ts.tools[name]
	return ok
}

// ContextArgs resolves the declared context parameters of a tool from the
// caller-supplied context vars. The declared name is stripped of its wrapping
// marker to get the lookup key; the argument keeps the declared (wrapped)
// name. A missing key is logged and omitted, so a tool that requires it
// fails with a missing-argument error at call time instead of here.
func (ts *Toolset) ContextArgs(name string, contextVars map[string]string) map[string]any {
	out := map[string]any{}
	ct, ok := ts.tools[name]
	if !ok {
		return out
	}
	for _, param := range ct.contextParams {
		key := strings.Trim(param, contextParamMarker)
		v, ok := contextVars[key]
		if !ok {
			ts.logger.Error().Str("tool", name).Str("param", param).Msg("context param not found in context vars")
			continue
		}
		out[param] = v
	}
	return out
}

// Invoke runs the tool's compiled function in a fresh sandboxed Lua state
// with args passed as a single table. The return value is stringified.
func (ts *Toolset) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	ct, ok := ts.tools[name]
	if !ok {
		return "", fmt.Errorf("tool %q: not registered", name)
	}

	L, err := newSandboxState()
	if err != nil {
		return "", fmt.Errorf("tool %q: init lua state: %w", name, err)
	}
	defer L.Close()
	L.SetContext(ctx)

	if err := runProto(L, ct.proto); err != nil {
		return "", fmt.Errorf("tool %q: load: %w", name, err)
	}

	fn := L.GetGlobal(ct.funcName)
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("tool %q: callable %q not defined", name, ct.funcName)
	}

	tbl := L.NewTable()
	for k, v := range args {
		L.SetField(tbl, k, toLValue(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, tbl); err != nil {
		return "", fmt.Errorf("tool %q: call: %w", name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsString(L.ToStringMeta(ret)), nil
}

// compileToolCode compiles source and determines the single top-level
// function it defines, by diffing the globals table of a scratch state
// before and after running the chunk.
func compileToolCode(toolName, source string) (*lua.FunctionProto, string, error) {
	L, err := newSandboxState()
	if err != nil {
		return nil, "", fmt.Errorf("tool %q: init lua state: %w", toolName, err)
	}
	defer L.Close()

	loaded, err := L.LoadString(source)
	if err != nil {
		return nil, "", fmt.Errorf("tool %q: compile: %w", toolName, err)
	}
	proto := loaded.Proto

	before := globalNames(L)
	if err := runProto(L, proto); err != nil {
		return nil, "", fmt.Errorf("tool %q: execute chunk: %w", toolName, err)
	}

	var funcs []string
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		if _, existed := before[string(name)]; existed {
			return
		}
		if v.Type() == lua.LTFunction {
			funcs = append(funcs, string(name))
		}
	})

	switch len(funcs) {
	case 1:
		return proto, funcs[0], nil
	case 0:
		return nil, "", fmt.Errorf("tool %q: no function definition found in source", toolName)
	default:
		return nil, "", fmt.Errorf("tool %q: source defines %d functions, want exactly one", toolName, len(funcs))
	}
}

func globalNames(L *lua.LState) map[string]struct{} {
	out := map[string]struct{}{}
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if name, ok := k.(lua.LString); ok {
			out[string(name)] = struct{}{}
		}
	})
	return out
}

func runProto(L *lua.LState, proto *lua.FunctionProto) error {
	L.Push(L.NewFunctionFromProto(proto))
	return L.PCall(0, lua.MultRet, nil)
}

// newSandboxState opens only the side-effect-free stdlib modules; no io, no
// os, no loading of further code.
func newSandboxState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, mod := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(mod.open), NRet: 0, Protect: true}, lua.LString(mod.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua module %q: %w", mod.name, err)
		}
	}
	// OpenBase registers code loaders; strip them so a chunk cannot pull in
	// more code at call time.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L, nil
}

func toLValue(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case float64:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case map[string]any:
		tbl := L.NewTable()
		for k, e := range t {
			L.SetField(tbl, k, toLValue(L, e))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, e := range t {
			tbl.Append(toLValue(L, e))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}
