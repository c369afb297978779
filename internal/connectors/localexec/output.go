package localexec

import (
	"strings"
	"time"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/xjson"
)

const textFallbackMessage = "script returned unstructured output"

// ParseOutput normalizes the stdout of a child that exited 0.
//
// A JSON object on stdout becomes the result data. Anything else, including
// JSON that is not an object, is wrapped as {type: "text", content, stderr,
// message}. Blank stdout gives an empty mapping. In every case status,
// script_name and execution_time are filled in when the script did not set
// them. An object whose status is "error" is the script reporting a logical
// failure and comes back as a ScriptError carrying the object.
func ParseOutput(stdout, stderr, scriptName string, startedAt time.Time, duration time.Duration) (*models.ExecutionResult, error) {
	data := map[string]any{}
	if trimmed := strings.TrimSpace(stdout); trimmed != "" {
		var decoded any
		if err := xjson.Unmarshal([]byte(trimmed), &decoded); err == nil {
			if obj, ok := decoded.(map[string]any); ok && obj != nil {
				data = obj
			} else {
				data = textResult(stdout, stderr)
			}
		} else {
			data = textResult(stdout, stderr)
		}
	}

	setDefault(data, "status", "success")
	setDefault(data, "script_name", scriptName)
	setDefault(data, "execution_time", startedAt.UTC().Format(time.RFC3339))

	message, _ := data["message"].(string)

	if status, _ := data["status"].(string); status == "error" {
		if message == "" {
			message = "script reported an error"
		}
		e := models.NewExecutionError(models.KindScriptError, "%s", message)
		e.Details = data
		e.Stderr = tail(stderr, defaultMaxErrorOutput)
		return nil, e
	}

	return &models.ExecutionResult{
		Status:  "success",
		Message: message,
		Data:    data,
		Metadata: models.ResultMetadata{
			ScriptName:         scriptName,
			ExecutionTimestamp: startedAt.UTC().Format(time.RFC3339),
			Duration:           duration.Seconds(),
			SchemaVersion:      models.ResultSchemaVersion,
		},
	}, nil
}

func textResult(stdout, stderr string) map[string]any {
	return map[string]any{
		"type":    "text",
		"content": stdout,
		"stderr":  stderr,
		"message": textFallbackMessage,
	}
}

func setDefault(m map[string]any, key string, v any) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}
