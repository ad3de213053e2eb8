package agentloop

import (
	"encoding/json"
	"strings"
	"time"
)

const hiddenNotice = "[This is an automated system message hidden from the user] "

// Heartbeat reasons recorded when the engine keeps stepping.
const (
	ReasonHeartbeatRequested = hiddenNotice + "Function called using request_heartbeat=true, returning control"
	ReasonFunctionFailed     = hiddenNotice + "Function call failed, returning control"
	ReasonRuleContinue       = hiddenNotice + "Continuing: tool rule requires another step"
	reasonRequiredPrefix     = hiddenNotice + "Continuing: required tools not yet called: "
)

func requiredReason(missing []string) string {
	return reasonRequiredPrefix + strings.Join(missing, ", ")
}

const timeLayout = "2006-01-02 03:04:05 PM MST-0700"

type toolReturn struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

// packageToolReturn renders a tool result the way it is shown to the model.
func packageToolReturn(ok bool, message string, now time.Time) string {
	status := "OK"
	if !ok {
		status = "Failed"
	}
	return mustJSON(toolReturn{Status: status, Message: message, Time: now.Format(timeLayout)})
}

// unpackToolReturn reverses packageToolReturn. Content that is not a
// packaged return is passed through with ok taken from isError.
func unpackToolReturn(content string, isError bool) (message string, ok bool) {
	var tr toolReturn
	if err := json.Unmarshal([]byte(content), &tr); err != nil || tr.Status == "" {
		return content, !isError
	}
	return tr.Message, tr.Status == "OK"
}

type heartbeat struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Time   string `json:"time"`
}

// heartbeatNotice renders the system notice that tells the model another
// step follows.
func heartbeatNotice(reason string, now time.Time) string {
	return mustJSON(heartbeat{Type: "heartbeat", Reason: reason, Time: now.Format(timeLayout)})
}

func mustJSON(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(out)
}

// coerceHeartbeat interprets a request_heartbeat argument. Models without
// structured output sometimes send strings or numbers: "true" in any case
// is true, other strings are false, and other values follow their
// truthiness.
func coerceHeartbeat(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	case float64:
		return b != 0
	case json.Number:
		f, err := b.Float64()
		return err == nil && f != 0
	case []any:
		return len(b) > 0
	case map[string]any:
		return len(b) > 0
	default:
		return true
	}
}
