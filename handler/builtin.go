package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loomrun/loom/statepath"
)

// RegisterBuiltins seeds r with the five built-in handlers: log, http,
// transform, condition, delay.
func RegisterBuiltins(r *Registry) {
	r.Register("log", logHandler)
	r.Register("http", httpHandler)
	r.Register("transform", transformHandler)
	r.Register("condition", conditionHandler)
	r.Register("delay", delayHandler)
}

type logConfig struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func logHandler(_ context.Context, hctx *Context) Result {
	var cfg logConfig
	if err := json.Unmarshal(hctx.Step.Config, &cfg); err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("log: invalid config: %v", err)}
	}
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	if hctx.Log != nil {
		hctx.Log(level, cfg.Message)
	}
	return Result{Status: Completed, Output: []byte(`{"logged":true}`), Next: hctx.Step.Next}
}

type httpConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func httpHandler(ctx context.Context, hctx *Context) Result {
	var cfg httpConfig
	if err := json.Unmarshal(hctx.Step.Config, &cfg); err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("http: invalid config: %v", err)}
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("http: build request: %v", err)}
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("http: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("http: read response: %v", err)}
	}

	if resp.StatusCode >= 400 {
		return Result{Status: Failed, Error: fmt.Sprintf("http: status %d", resp.StatusCode)}
	}

	output, err := json.Marshal(map[string]any{
		"statusCode": resp.StatusCode,
		"data":       json.RawMessage(rawOrQuoted(data)),
	})
	if err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("http: marshal output: %v", err)}
	}

	return Result{Status: Completed, Output: output, Next: hctx.Step.Next}
}

// rawOrQuoted returns data unchanged if it is already valid JSON,
// otherwise a JSON string literal wrapping it. The http handler's
// "data" field must itself be valid JSON for downstream transform/
// condition steps to traverse it with dotted paths.
func rawOrQuoted(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	if json.Valid(data) {
		return data
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return []byte("null")
	}
	return quoted
}

type transformConfig struct {
	Mapping map[string]string `json:"mapping"`
}

func transformHandler(_ context.Context, hctx *Context) Result {
	var cfg transformConfig
	if err := json.Unmarshal(hctx.Step.Config, &cfg); err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("transform: invalid config: %v", err)}
	}

	output := statepath.Empty
	for outKey, path := range cfg.Mapping {
		value, ok := statepath.Get(hctx.State, path)
		if !ok {
			continue // missing paths resolve to absent
		}
		var err error
		output, err = statepath.Set(output, outKey, value.Value())
		if err != nil {
			return Result{Status: Failed, Error: fmt.Sprintf("transform: assemble output: %v", err)}
		}
	}

	return Result{Status: Completed, Output: output, Next: hctx.Step.Next}
}

type conditionConfig struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	OnTrue   string `json:"onTrue"`
	OnFalse  string `json:"onFalse"`
}

func conditionHandler(_ context.Context, hctx *Context) Result {
	var cfg conditionConfig
	if err := json.Unmarshal(hctx.Step.Config, &cfg); err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("condition: invalid config: %v", err)}
	}

	actual, _ := statepath.Get(hctx.State, cfg.Field)

	result, err := evaluateCondition(cfg.Operator, actual.Value(), cfg.Value)
	if err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("condition: %v", err)}
	}

	next := cfg.OnFalse
	if result {
		next = cfg.OnTrue
	}

	output, err := json.Marshal(map[string]any{"condition": result})
	if err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("condition: marshal output: %v", err)}
	}

	return Result{Status: Completed, Output: output, Next: next}
}

func evaluateCondition(operator string, actual, expected any) (bool, error) {
	switch operator {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(expected), nil
	case "ne":
		return fmt.Sprint(actual) != fmt.Sprint(expected), nil
	case "gt", "lt":
		a, aErr := toNumber(actual)
		b, bErr := toNumber(expected)
		if aErr != nil || bErr != nil {
			return false, fmt.Errorf("numeric operator %q requires numeric operands", operator)
		}
		if operator == "gt" {
			return a > b, nil
		}
		return a < b, nil
	case "contains":
		return containsSubstring(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return strconv.ParseFloat(fmt.Sprint(t), 64)
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

type delayConfig struct {
	DurationMs int64 `json:"durationMs"`
}

func delayHandler(ctx context.Context, hctx *Context) Result {
	var cfg delayConfig
	if err := json.Unmarshal(hctx.Step.Config, &cfg); err != nil {
		return Result{Status: Failed, Error: fmt.Sprintf("delay: invalid config: %v", err)}
	}

	timer := time.NewTimer(time.Duration(cfg.DurationMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Result{Status: Completed, Output: []byte(`{"delayed":true}`), Next: hctx.Step.Next}
	case <-ctx.Done():
		return Result{Status: Failed, Error: "delay: cancelled"}
	}
}
