package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/interlock-hie/interlock/internal/domain/message"
	"github.com/interlock-hie/interlock/internal/domain/script"
)

// NewScriptEnvironment creates a CEL environment with the message scope
// bindings. It includes:
//   - msg: the current payload (response body in the response scope)
//   - per-message maps: sourceMap, channelMap, connectorMap, responseMap
//   - process-wide maps: globalMap, globalChannelMap, configurationMap
//   - response scope: response, responseStatus, responseStatusMessage
//   - context: channelId, channelName, messageId, metaDataId, connectorName
//   - custom functions: glob, mapGet, mapContains
func NewScriptEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		ext.Encoders(),

		cel.Variable("msg", cel.StringType),

		cel.Variable("sourceMap", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("channelMap", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("connectorMap", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("responseMap", cel.MapType(cel.StringType, cel.DynType)),

		cel.Variable("globalMap", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("globalChannelMap", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("configurationMap", cel.MapType(cel.StringType, cel.DynType)),

		cel.Variable("response", cel.StringType),
		cel.Variable("responseStatus", cel.StringType),
		cel.Variable("responseStatusMessage", cel.StringType),

		cel.Variable("channelId", cel.StringType),
		cel.Variable("channelName", cel.StringType),
		cel.Variable("messageId", cel.IntType),
		cel.Variable("metaDataId", cel.IntType),
		cel.Variable("connectorName", cel.StringType),

		// glob: glob pattern matching.
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// mapGet: extract a key from a map, null when absent.
		cel.Function("mapGet",
			cel.Overload("map_get_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// mapContains: check whether any map value contains a substring.
		cel.Function("mapContains",
			cel.Overload("map_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// BuildActivation creates the CEL activation map from a scope. Nil maps bind
// as empty so expressions never trip over missing variables.
func BuildActivation(scope script.Scope) map[string]any {
	return map[string]any{
		"msg": scope.Msg,

		"sourceMap":    sourceSnapshot(scope.SourceMap),
		"channelMap":   snapshot(scope.ChannelMap),
		"connectorMap": snapshot(scope.ConnectorMap),
		"responseMap":  snapshot(scope.ResponseMap),

		"globalMap":        snapshot(scope.GlobalMap),
		"globalChannelMap": snapshot(scope.GlobalChannelMap),
		"configurationMap": snapshot(scope.ConfigurationMap),

		"response":              scope.Response,
		"responseStatus":        scope.ResponseStatus,
		"responseStatusMessage": scope.ResponseStatusMessage,

		"channelId":     scope.ChannelID,
		"channelName":   scope.ChannelName,
		"messageId":     scope.MessageID,
		"metaDataId":    int64(scope.MetaDataID),
		"connectorName": scope.ConnectorName,
	}
}

func snapshot(m *message.KeyMap) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m.Snapshot()
}

func sourceSnapshot(m *message.SourceMap) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m.Snapshot()
}
