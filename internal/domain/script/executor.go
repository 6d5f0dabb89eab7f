// Package script defines the sandbox port through which user-supplied
// filter rules, transformer steps and lifecycle scripts run. The engine core
// depends only on this interface; the concrete evaluator lives in an outbound
// adapter.
package script

import (
	"context"
	"fmt"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// Scope is the set of named bindings supplied to a script invocation. The
// binding names are part of the user-facing contract.
type Scope struct {
	// Msg is the current message payload.
	Msg string

	// Per-message maps.
	SourceMap    *message.SourceMap
	ChannelMap   *message.KeyMap
	ConnectorMap *message.KeyMap
	ResponseMap  *message.KeyMap

	// Process-wide maps.
	GlobalMap        *message.KeyMap
	GlobalChannelMap *message.KeyMap
	ConfigurationMap *message.KeyMap

	// DestinationSet controls fan-out; only bound for source-scope scripts.
	DestinationSet *message.DestinationSet

	// Response-transformer bindings.
	ResponseStatus        string
	ResponseStatusMessage string
	Response              string

	// Context bindings.
	ChannelID     string
	ChannelName   string
	MessageID     int64
	MetaDataID    int
	ConnectorName string
}

// Executor evaluates a script against a scope. Implementations enforce
// isolation: no state crosses invocations except through the bound maps.
type Executor interface {
	// Execute runs the script and returns its value. A script error is
	// returned as a *Error so callers can classify it.
	Execute(ctx context.Context, source string, scope Scope) (any, error)
}

// Error is a classified failure thrown by a user script.
type Error struct {
	// Stage names where the script ran: "filter", "transformer",
	// "preprocessor", "postprocessor", "response", "deploy", "undeploy".
	Stage string
	// Source is the failing script text.
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s script failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a script error for the given stage.
func NewError(stage, source string, err error) *Error {
	return &Error{Stage: stage, Source: source, Err: err}
}

// Updates is the interpreted result of a transformer step. A step evaluates
// to a map whose recognized keys update pipeline state; unknown keys are
// ignored.
type Updates struct {
	// Msg is the replacement payload, nil for unchanged.
	Msg *string
	// Map updates are merged key-by-key into the owning maps.
	ChannelMap   map[string]any
	ConnectorMap map[string]any
	ResponseMap  map[string]any
	GlobalMap    map[string]any
	// RemoveDestinations lists destination names to suppress in the current
	// fan-out via the destination set.
	RemoveDestinations []string
}

// ParseUpdates interprets a transformer step result. A nil result means no
// updates; a bare string replaces the payload; a map is unpacked by key.
func ParseUpdates(result any) (Updates, error) {
	var u Updates
	switch v := result.(type) {
	case nil:
		return u, nil
	case string:
		u.Msg = &v
		return u, nil
	case map[string]any:
		if raw, ok := v["msg"]; ok {
			s, ok := raw.(string)
			if !ok {
				return u, fmt.Errorf("transformer step: msg must be a string, got %T", raw)
			}
			u.Msg = &s
		}
		var err error
		if u.ChannelMap, err = subMap(v, "channelMap"); err != nil {
			return u, err
		}
		if u.ConnectorMap, err = subMap(v, "connectorMap"); err != nil {
			return u, err
		}
		if u.ResponseMap, err = subMap(v, "responseMap"); err != nil {
			return u, err
		}
		if u.GlobalMap, err = subMap(v, "globalMap"); err != nil {
			return u, err
		}
		if raw, ok := v["removeDestinations"]; ok {
			list, ok := raw.([]any)
			if !ok {
				return u, fmt.Errorf("transformer step: removeDestinations must be a list, got %T", raw)
			}
			for _, item := range list {
				name, ok := item.(string)
				if !ok {
					return u, fmt.Errorf("transformer step: removeDestinations entries must be strings, got %T", item)
				}
				u.RemoveDestinations = append(u.RemoveDestinations, name)
			}
		}
		return u, nil
	default:
		return u, fmt.Errorf("transformer step must evaluate to a string or map, got %T", result)
	}
}

func subMap(m map[string]any, key string) (map[string]any, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	sub, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transformer step: %s must be a map, got %T", key, raw)
	}
	return sub, nil
}
