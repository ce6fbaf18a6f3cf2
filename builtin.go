package fleetq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"io"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Built-in task types.
const (
	TypeEcho        = "echo"
	TypeSleep       = "sleep"
	TypeSystemInfo  = "system_info"
	TypeEval        = "eval"
	TypeHTTPRequest = "http_request"
	TypeCommand     = "command"
)

// Denylists for the eval and command built-ins. They stop accidents, not attackers.
var (
	evalDenylist    = []string{"import", "exec", "eval", "open", "file", "__"}
	commandDenylist = []string{"rm", "del", "format", "sudo", "su"}
)

const maxHTTPBody = 1 << 20

var builtinHTTPClient = &http.Client{}

func registerBuiltins(m *Mux, caps func() Capabilities) {
	add := func(typ string, h HandlerFunc) {
		if !m.Has(typ) {
			m.Handle(typ, h)
		}
	}
	add(TypeEcho, echoHandler)
	add(TypeSleep, sleepHandler)
	add(TypeSystemInfo, systemInfoHandler(caps))
	add(TypeEval, evalHandler)
	add(TypeHTTPRequest, httpRequestHandler)
	add(TypeCommand, commandHandler)
}

// decodePayload decodes payload into v; an empty payload leaves v untouched.
func decodePayload(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	var enc Encoder = &JSONEncoder{}
	if err := enc.Decode(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func echoHandler(ctx context.Context, payload []byte) error {
	p := json.RawMessage(payload)
	if len(bytes.TrimSpace(p)) == 0 {
		p = json.RawMessage("null")
	}
	return SetResult(ctx, map[string]json.RawMessage{"echo": p})
}

func sleepHandler(ctx context.Context, payload []byte) error {
	in := struct {
		Duration float64 `json:"duration"`
	}{Duration: 1}
	if err := decodePayload(payload, &in); err != nil {
		return err
	}
	if in.Duration < 0 {
		return fmt.Errorf("sleep: negative duration %v", in.Duration)
	}
	d := time.Duration(in.Duration * float64(time.Second))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return SetResult(ctx, map[string]float64{"slept_for": in.Duration})
}

func systemInfoHandler(caps func() Capabilities) HandlerFunc {
	return func(ctx context.Context, _ []byte) error {
		host, _ := os.Hostname()
		return SetResult(ctx, map[string]any{
			"capabilities": caps(),
			"hostname":     host,
			"os":           runtime.GOOS,
			"arch":         runtime.GOARCH,
			"num_cpu":      runtime.NumCPU(),
			"go_version":   runtime.Version(),
			"timestamp":    time.Now().UTC(),
		})
	}
}

// evalHandler evaluates a Go constant expression such as "2*(3+4)" or
// `len("abc") > 2`. Nothing outside the universe scope is reachable.
func evalHandler(ctx context.Context, payload []byte) error {
	var in struct {
		Expression string `json:"expression"`
	}
	if err := decodePayload(payload, &in); err != nil {
		return err
	}
	expr := strings.TrimSpace(in.Expression)
	if expr == "" {
		return errors.New("eval: empty expression")
	}
	low := strings.ToLower(expr)
	for _, bad := range evalDenylist {
		if strings.Contains(low, bad) {
			return fmt.Errorf("eval: expression contains forbidden term %q", bad)
		}
	}
	tv, err := types.Eval(token.NewFileSet(), nil, token.NoPos, expr)
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	if tv.Value == nil {
		return fmt.Errorf("eval: %q is not a constant expression", expr)
	}
	return SetResult(ctx, map[string]any{
		"expression": expr,
		"result":     constantValue(tv.Value),
		"type":       tv.Type.String(),
	})
}

func constantValue(v constant.Value) any {
	switch v.Kind() {
	case constant.Bool:
		return constant.BoolVal(v)
	case constant.String:
		return constant.StringVal(v)
	case constant.Int:
		if i, ok := constant.Int64Val(v); ok {
			return i
		}
	case constant.Float:
		if f, ok := constant.Float64Val(v); ok {
			return f
		}
	}
	return v.ExactString()
}

func httpRequestHandler(ctx context.Context, payload []byte) error {
	in := struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Data    json.RawMessage   `json:"data"`
		Timeout float64           `json:"timeout"`
	}{Method: http.MethodGet, Timeout: 30}
	if err := decodePayload(payload, &in); err != nil {
		return err
	}
	if in.URL == "" {
		return errors.New("http_request: url is required")
	}
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(in.Timeout*float64(time.Second)))
		defer cancel()
	}

	var body io.Reader
	jsonBody := false
	if len(in.Data) > 0 && string(in.Data) != "null" {
		var s string
		if err := json.Unmarshal(in.Data, &s); err == nil {
			body = strings.NewReader(s)
		} else {
			body = bytes.NewReader(in.Data)
			jsonBody = true
		}
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(in.Method), in.URL, body)
	if err != nil {
		return fmt.Errorf("http_request: %w", err)
	}
	if jsonBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	resp, err := builtinHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("http_request: %w", err)
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return fmt.Errorf("http_request: read body: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return SetResult(ctx, map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"content":     string(content),
		"url":         resp.Request.URL.String(),
	})
}

// commandHandler runs a shell command. A non-zero exit is reported in
// return_code rather than as a failure.
func commandHandler(ctx context.Context, payload []byte) error {
	in := struct {
		Command string  `json:"command"`
		Timeout float64 `json:"timeout"`
	}{Timeout: 30}
	if err := decodePayload(payload, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.Command) == "" {
		return errors.New("command: empty command")
	}
	if bad, ok := deniedCommand(in.Command); ok {
		return fmt.Errorf("command: %q is not allowed", bad)
	}
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(in.Timeout*float64(time.Second)))
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	code := 0
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) || ctx.Err() != nil {
			return fmt.Errorf("command: %w", err)
		}
		code = ee.ExitCode()
	}
	return SetResult(ctx, map[string]any{
		"return_code": code,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"command":     in.Command,
	})
}

// deniedCommand checks every word of the command line against the denylist.
func deniedCommand(cmdline string) (string, bool) {
	words := strings.FieldsFunc(strings.ToLower(cmdline), func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ';', '|', '&', '(', ')', '`', '$', '<', '>':
			return true
		}
		return false
	})
	for _, w := range words {
		base := w[strings.LastIndex(w, "/")+1:]
		for _, bad := range commandDenylist {
			if base == bad {
				return bad, true
			}
		}
	}
	return "", false
}
