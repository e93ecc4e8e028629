package toolsandbox

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInterpolateReplacesKnownNames(t *testing.T) {
	got := Interpolate("hello {{name}}, id={{id}}", map[string]string{"name": "dev", "id": "7"})
	if got != "hello dev, id=7" {
		t.Fatalf("got %q", got)
	}
}

func TestInterpolateLeavesUnknownNamesLiteral(t *testing.T) {
	got := Interpolate("{{missing}}", map[string]string{})
	if got != "{{missing}}" {
		t.Fatalf("got %q", got)
	}
}

func TestHTTPToolRunsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets/42" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tool := HTTPTool{URL: srv.URL + "/widgets/{{id}}"}
	result := tool.Run(context.Background(), map[string]string{"id": "42"})
	if result.Err != "" {
		t.Fatalf("unexpected error: %s", result.Err)
	}
	if result.Output != "ok" {
		t.Fatalf("got %q", result.Output)
	}
}

func TestHTTPToolReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	tool := HTTPTool{URL: srv.URL}
	result := tool.Run(context.Background(), nil)
	if result.Err == "" {
		t.Fatal("expected error for 500 response")
	}
}

type fakeEvaluator struct {
	out string
	err error
}

func (f fakeEvaluator) Eval(ctx context.Context, body string, params map[string]string) (string, error) {
	return f.out, f.err
}

func TestScriptToolDelegatesToEvaluator(t *testing.T) {
	tool := ScriptTool{Eval: fakeEvaluator{out: "42"}, Body: "return 40+2"}
	result := tool.Run(context.Background(), nil)
	if result.Output != "42" {
		t.Fatalf("got %q", result.Output)
	}
}

func TestScriptToolMissingEvaluatorErrors(t *testing.T) {
	tool := ScriptTool{}
	result := tool.Run(context.Background(), nil)
	if result.Err == "" {
		t.Fatal("expected error with no evaluator configured")
	}
}

type fakeShellConfig struct{ allowed bool }

func (c fakeShellConfig) AllowShellTools() bool { return c.allowed }

func TestShellToolRefusedWhenDisabled(t *testing.T) {
	tool := ShellTool{Config: fakeShellConfig{allowed: false}, Command: "echo", Args: []string{"hi"}}
	result := tool.Run(context.Background(), nil)
	if result.Err == "" {
		t.Fatal("expected shell tool to be refused when disabled")
	}
}

func TestShellToolRunsWhenEnabled(t *testing.T) {
	tool := ShellTool{
		Config:  fakeShellConfig{allowed: true},
		Command: "echo",
		Args:    []string{"hello {{name}}"},
		Dir:     t.TempDir(),
	}
	result := tool.Run(context.Background(), map[string]string{"name": "world"})
	if result.Err != "" {
		t.Fatalf("unexpected error: %s", result.Err)
	}
	if strings.TrimSpace(result.Output) != "hello world" {
		t.Fatalf("got %q", result.Output)
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, max: 4}
	n, err := w.Write([]byte("abcdefgh"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected reported write length to match input, got %d", n)
	}
	if buf.String() != "abcd" {
		t.Fatalf("got %q", buf.String())
	}
}
