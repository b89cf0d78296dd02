package bridge

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var engineScriptIDPattern = regexp.MustCompile(`"scriptId":"(\d+)"`)

// ReplaceScriptIDs rewrites every engine script id in payload to the id
// resolve returns for it. Unknown ids and all other bytes are left alone.
func ReplaceScriptIDs(payload []byte, resolve func(engineID string) (string, bool)) []byte {
	return engineScriptIDPattern.ReplaceAllFunc(payload, func(match []byte) []byte {
		engineID := string(engineScriptIDPattern.FindSubmatch(match)[1])
		external, ok := resolve(engineID)
		if !ok {
			return match
		}
		quoted, err := json.Marshal(external)
		if err != nil {
			return match
		}
		return append([]byte(`"scriptId":`), quoted...)
	})
}

// RenameSkipField turns the public {"skipped": bool} of setSkipAllPauses into
// the {"skip": bool} the native debugger expects.
func RenameSkipField(params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	skipped := gjson.GetBytes(params, "skipped")
	out, err := sjson.DeleteBytes(params, "skipped")
	if err != nil {
		return nil, fmt.Errorf("drop skipped: %w", err)
	}
	out, err = sjson.SetBytes(out, "skip", skipped.Bool())
	if err != nil {
		return nil, fmt.Errorf("set skip: %w", err)
	}
	return out, nil
}

// ForceOwnProperties sets ownProperties=true so getProperties returns the
// locals of a paused frame regardless of what DevTools asked for.
func ForceOwnProperties(params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	out, err := sjson.SetBytes(params, "ownProperties", true)
	if err != nil {
		return nil, fmt.Errorf("set ownProperties: %w", err)
	}
	return out, nil
}

func setLocationScriptID(params json.RawMessage, scriptID string) (json.RawMessage, error) {
	out, err := sjson.SetBytes(params, "location.scriptId", scriptID)
	if err != nil {
		return nil, fmt.Errorf("set location.scriptId: %w", err)
	}
	return out, nil
}
