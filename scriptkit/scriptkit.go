// Package scriptkit is the harness for scripts written in Go and run by
// scriptd. It reads the parameters scriptd placed in the environment, runs
// the script body and prints exactly one JSON object to stdout whatever
// the body does.
//
//	func main() {
//		scriptkit.Run("hello", func(s *scriptkit.Script) (*scriptkit.Payload, error) {
//			name := s.String("name", "World")
//			return s.Success("Hello "+name+"!", nil), nil
//		})
//	}
package scriptkit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/xjson"
)

// Result statuses understood by scriptd.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const version = "1.0.0"

// Script is what a script body knows about its run.
type Script struct {
	Name        string
	ContextTag  string
	ExecutionID string
	Parameters  map[string]any
	Logger      *slog.Logger

	start time.Time
}

// Payload is the JSON object a script reports. Extra holds any additional
// top-level fields.
type Payload struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Extra    map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the top-level object.
func (p *Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["status"] = p.Status
	if p.Message != "" {
		out["message"] = p.Message
	}
	if p.Data != nil {
		out["data"] = p.Data
	}
	if p.Metadata != nil {
		out["metadata"] = p.Metadata
	}
	return xjson.Marshal(out)
}

// Func is a script body. Returning an error reports a script-level failure;
// scriptd records it as a failed run without retrying.
type Func func(*Script) (*Payload, error)

// Run executes fn and exits the process. A returned error exits 0 with an
// error payload; a panic exits 1 after printing one.
func Run(name string, fn Func) {
	os.Exit(run(name, fn, os.LookupEnv, os.Stdout, os.Stderr))
}

func run(name string, fn Func, lookup func(string) (string, bool), stdout, stderr io.Writer) (code int) {
	logger := slog.New(slog.NewTextHandler(stderr, nil)).With("script", name)
	inv := params.FromEnv(lookup, logger)
	if name == "" {
		name = inv.ScriptName
	}
	if name == "" {
		name = "unknown_script"
	}
	if inv.ExecutionID != "" {
		logger = logger.With("execution_id", inv.ExecutionID)
	}

	s := &Script{
		Name:        name,
		ContextTag:  inv.ContextTag,
		ExecutionID: inv.ExecutionID,
		Parameters:  inv.Parameters,
		Logger:      logger,
		start:       time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("script panicked", "panic", r, "stack", string(debug.Stack()))
			emit(stdout, s.errorPayload(fmt.Sprint(r), "panic"), logger)
			code = 1
		}
	}()

	logger.Debug("script started", "parameters", len(s.Parameters))
	p, err := fn(s)
	if err != nil {
		logger.Error("script failed", "error", err)
		emit(stdout, s.errorPayload(err.Error(), errorType(err)), logger)
		return 0
	}
	if p == nil {
		p = s.Success("script completed", nil)
	}
	if p.Status == "" {
		p.Status = StatusSuccess
	}
	emit(stdout, p, logger)
	return 0
}

func emit(w io.Writer, p *Payload, logger *slog.Logger) {
	data, err := xjson.Marshal(p)
	if err != nil {
		logger.Error("encoding result failed", "error", err)
		data, _ = xjson.Marshal(&Payload{Status: StatusError, Message: "result is not serializable: " + err.Error()})
	}
	fmt.Fprintln(w, string(data))
}

// Success builds a success payload. The run's context is added to data.
func (s *Script) Success(message string, data map[string]any) *Payload {
	d := make(map[string]any, len(data)+3)
	for k, v := range data {
		d[k] = v
	}
	d["script_name"] = s.Name
	d["execution_context"] = s.ContextTag
	d["processed_parameters"] = s.Parameters

	return &Payload{
		Status:  StatusSuccess,
		Message: message,
		Data:    d,
		Metadata: map[string]any{
			"script_name":        s.Name,
			"execution_time":     time.Now().Format(time.RFC3339),
			"execution_duration": time.Since(s.start).Seconds(),
			"version":            version,
		},
	}
}

func (s *Script) errorPayload(message, errType string) *Payload {
	return &Payload{
		Status:  StatusError,
		Message: fmt.Sprintf("%s failed: %s", s.Name, message),
		Extra: map[string]any{
			"script_name":        s.Name,
			"error_type":         errType,
			"execution_duration": time.Since(s.start).Seconds(),
		},
	}
}

func errorType(err error) string {
	if t, ok := err.(interface{ Type() string }); ok {
		return t.Type()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// Param returns the raw parameter value.
func (s *Script) Param(key string) (any, bool) {
	v, ok := s.Parameters[key]
	return v, ok
}

// String returns a parameter as a string, or def when it is absent.
func (s *Script) String(key, def string) string {
	v, ok := s.Parameters[key]
	if !ok || v == nil {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Int returns a parameter as an int, or def when it is absent or not a number.
func (s *Script) Int(key string, def int) int {
	if n, ok := s.Parameters[key].(xjson.Number); ok {
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	f, ok := s.number(key)
	if !ok {
		return def
	}
	return int(f)
}

// Float returns a parameter as a float64, or def when it is absent or not a number.
func (s *Script) Float(key string, def float64) float64 {
	f, ok := s.number(key)
	if !ok {
		return def
	}
	return f
}

// Bool returns a parameter as a bool, or def when it is absent or not a bool.
func (s *Script) Bool(key string, def bool) bool {
	switch v := s.Parameters[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (s *Script) number(key string) (float64, bool) {
	switch v := s.Parameters[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case xjson.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
