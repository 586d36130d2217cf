package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flydesk/flydesk/internal/models"
)

// DefaultSandboxTimeout is the wall-clock cap applied when a tool does
// not declare its own.
const DefaultSandboxTimeout = 30 * time.Second

// Sandbox executes a CustomTool's code in a child process, piping the call
// arguments in as JSON on stdin and parsing exactly one JSON object from
// stdout. One exec.CommandContext per call; the contract is the
// JSON-on-stdio protocol and the wall-clock timeout, not a warm pool.
type Sandbox struct {
	interpreter string // e.g. "python3"; the tool's code is passed as -c/script arg
}

// NewSandbox constructs a Sandbox that runs CustomTool code with the given
// interpreter binary (found via PATH).
func NewSandbox(interpreter string) *Sandbox {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Sandbox{interpreter: interpreter}
}

// Run executes tool.Code as a child process, feeding args as a single JSON
// object on stdin and parsing stdout as a single JSON object.
func (s *Sandbox) Run(ctx context.Context, tool *models.CustomTool, args map[string]any) (*Result, error) {
	timeout := DefaultSandboxTimeout
	if tool.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode tool arguments: %w", err)
	}

	cmd := exec.CommandContext(runCtx, s.interpreter, "-c", tool.Code)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() != nil {
		return ErrorResult(fmt.Sprintf("tool %q timed out after %s", tool.Name, timeout)), nil
	}
	if runErr != nil {
		return ErrorResult(fmt.Sprintf("tool %q exited with error: %v: %s", tool.Name, runErr, stderr.String())), nil
	}

	var out map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return ErrorResult(fmt.Sprintf("tool %q produced invalid JSON output: %v", tool.Name, err)), nil
	}
	return JSONResult(out), nil
}

// CustomToolWrapper adapts a CustomTool + Sandbox into the Tool interface so
// it can be registered in the manifest alongside catalog-derived tools.
type CustomToolWrapper struct {
	tool    *models.CustomTool
	sandbox *Sandbox

	compileOnce sync.Once
	schema      *jsonschema.Schema // nil when the tool declares no parameters
}

// NewCustomToolWrapper constructs a CustomToolWrapper.
func NewCustomToolWrapper(tool *models.CustomTool, sandbox *Sandbox) *CustomToolWrapper {
	return &CustomToolWrapper{tool: tool, sandbox: sandbox}
}

// Name returns the custom tool's unique name.
func (w *CustomToolWrapper) Name() string { return w.tool.Name }

// Description renders a one-line description from the tool's name, since
// CustomTool has no dedicated description field.
func (w *CustomToolWrapper) Description() string {
	return fmt.Sprintf("Custom tool %q", w.tool.Name)
}

// Schema returns the tool's declared parameter JSON schema.
func (w *CustomToolWrapper) Schema() json.RawMessage {
	encoded, err := json.Marshal(w.tool.ParametersJSON)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// compiledSchema lazily compiles the tool's parameter schema. A tool with
// no declared parameters (or an uncompilable schema) skips validation.
func (w *CustomToolWrapper) compiledSchema() *jsonschema.Schema {
	w.compileOnce.Do(func() {
		if len(w.tool.ParametersJSON) == 0 {
			return
		}
		raw, err := json.Marshal(w.tool.ParametersJSON)
		if err != nil {
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(w.tool.Name+".json", strings.NewReader(string(raw))); err != nil {
			return
		}
		schema, err := compiler.Compile(w.tool.Name + ".json")
		if err != nil {
			return
		}
		w.schema = schema
	})
	return w.schema
}

// Execute validates the arguments against the declared parameter schema,
// then runs the tool in the sandbox.
func (w *CustomToolWrapper) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrorResult("invalid arguments: " + err.Error()), nil
		}
	}
	if schema := w.compiledSchema(); schema != nil {
		var generic any
		if len(params) > 0 {
			_ = json.Unmarshal(params, &generic)
		} else {
			generic = map[string]any{}
		}
		if err := schema.Validate(generic); err != nil {
			return ErrorResult("arguments do not match schema: " + err.Error()), nil
		}
	}
	return w.sandbox.Run(ctx, w.tool, args)
}
