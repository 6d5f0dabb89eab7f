package channel

import (
	"context"
	"fmt"

	"github.com/interlock-hie/interlock/internal/domain/message"
	"github.com/interlock-hie/interlock/internal/domain/script"
	"github.com/interlock-hie/interlock/pkg/datatype"
)

// FilterOperator combines a filter rule with the accumulated result.
type FilterOperator string

const (
	OperatorAnd FilterOperator = "AND"
	OperatorOr  FilterOperator = "OR"
)

// FilterRule is one boolean expression in a connector's filter. Rules are
// evaluated in declared order with conventional short-circuiting; the first
// rule's operator is ignored.
type FilterRule struct {
	Name     string
	Operator FilterOperator
	Script   string
}

// TransformerStep is one mutation step in a connector's transformer. A step
// evaluates to a replacement payload or a map of updates (see
// script.ParseUpdates).
type TransformerStep struct {
	Name   string
	Script string
}

// FilterTransformer runs a connector's filter rules and transformer steps and
// converts between wire form and the canonical XML the steps operate on.
type FilterTransformer struct {
	Rules []FilterRule
	Steps []TransformerStep

	// Inbound parses the connector's RAW content into canonical XML.
	Inbound datatype.DataType
	// Outbound serializes the transformed XML into the ENCODED wire form.
	Outbound datatype.DataType
}

// FilterTransformerResult is the outcome of one filter/transform pass.
type FilterTransformerResult struct {
	Accepted    bool
	Transformed string
	Encoded     string
}

// Process parses the payload, evaluates the filter, and on accept runs the
// transformer steps and serializes the result.
//
// Map isolation: rules and steps run against copies of the channel, connector
// and response maps. The copies are committed back only when the filter
// accepts and every step succeeds; global map writes apply immediately
// regardless of outcome.
func (ft *FilterTransformer) Process(ctx context.Context, exec script.Executor, scope script.Scope, raw string) (FilterTransformerResult, error) {
	var res FilterTransformerResult

	msgXML, err := ft.Inbound.ToXML(raw)
	if err != nil {
		return res, fmt.Errorf("parse %s payload: %w", ft.Inbound.Name(), err)
	}
	scope.Msg = msgXML

	// Stage connector-scoped maps; originals are only touched on accept.
	origChannel, origConnector, origResponse := scope.ChannelMap, scope.ConnectorMap, scope.ResponseMap
	if origChannel != nil {
		scope.ChannelMap = origChannel.Copy()
	}
	if origConnector != nil {
		scope.ConnectorMap = origConnector.Copy()
	}
	if origResponse != nil {
		scope.ResponseMap = origResponse.Copy()
	}

	accepted, err := ft.evaluateFilter(ctx, exec, &scope)
	if err != nil {
		return res, err
	}
	if !accepted {
		return res, nil
	}

	for _, step := range ft.Steps {
		result, err := exec.Execute(ctx, step.Script, scope)
		if err != nil {
			return res, script.NewError("transformer", step.Script, err)
		}
		updates, err := script.ParseUpdates(result)
		if err != nil {
			return res, script.NewError("transformer", step.Script, err)
		}
		applyUpdates(&scope, updates)
	}

	encoded, err := ft.Outbound.FromXML(scope.Msg)
	if err != nil {
		return res, fmt.Errorf("serialize %s payload: %w", ft.Outbound.Name(), err)
	}

	commitMap(origChannel, scope.ChannelMap)
	commitMap(origConnector, scope.ConnectorMap)
	commitMap(origResponse, scope.ResponseMap)

	res.Accepted = true
	res.Transformed = scope.Msg
	res.Encoded = encoded
	return res, nil
}

// evaluateFilter folds the rules left to right. A rule evaluates to a bool,
// or to a map carrying a "result" bool plus map updates; global map updates
// apply immediately, others go to the staged maps in scope.
func (ft *FilterTransformer) evaluateFilter(ctx context.Context, exec script.Executor, scope *script.Scope) (bool, error) {
	if len(ft.Rules) == 0 {
		return true, nil
	}

	var accepted bool
	for i, rule := range ft.Rules {
		if i > 0 {
			// Short-circuit: AND with false stays false, OR with true stays
			// true, without evaluating the rule.
			if rule.Operator == OperatorAnd && !accepted {
				continue
			}
			if rule.Operator == OperatorOr && accepted {
				continue
			}
		}
		result, err := exec.Execute(ctx, rule.Script, *scope)
		if err != nil {
			return false, script.NewError("filter", rule.Script, err)
		}
		value, err := ft.parseRuleResult(scope, result)
		if err != nil {
			return false, script.NewError("filter", rule.Script, err)
		}
		accepted = value
	}
	return accepted, nil
}

// parseRuleResult interprets one rule's value and applies any map updates it
// carries.
func (ft *FilterTransformer) parseRuleResult(scope *script.Scope, result any) (bool, error) {
	switch v := result.(type) {
	case bool:
		return v, nil
	case map[string]any:
		raw, ok := v["result"]
		if !ok {
			return false, fmt.Errorf("filter rule map result missing \"result\" key")
		}
		b, ok := raw.(bool)
		if !ok {
			return false, fmt.Errorf("filter rule \"result\" must be a bool, got %T", raw)
		}
		updates, err := script.ParseUpdates(map[string]any{
			"channelMap":   orEmpty(v["channelMap"]),
			"connectorMap": orEmpty(v["connectorMap"]),
			"responseMap":  orEmpty(v["responseMap"]),
			"globalMap":    orEmpty(v["globalMap"]),
		})
		if err != nil {
			return false, err
		}
		applyUpdates(scope, updates)
		return b, nil
	default:
		return false, fmt.Errorf("filter rule must evaluate to a bool, got %T", result)
	}
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

// applyUpdates merges step or rule updates into the scope. Global map writes
// hit the live global map; everything else lands in the staged copies.
func applyUpdates(scope *script.Scope, u script.Updates) {
	if u.Msg != nil {
		scope.Msg = *u.Msg
	}
	mergeInto(scope.ChannelMap, u.ChannelMap)
	mergeInto(scope.ConnectorMap, u.ConnectorMap)
	mergeInto(scope.ResponseMap, u.ResponseMap)
	mergeInto(scope.GlobalMap, u.GlobalMap)
	if scope.DestinationSet != nil {
		for _, name := range u.RemoveDestinations {
			scope.DestinationSet.Remove(name)
		}
	}
}

func mergeInto(dst *message.KeyMap, updates map[string]any) {
	if dst == nil || len(updates) == 0 {
		return
	}
	for k, v := range updates {
		dst.Put(k, v)
	}
}

// commitMap replaces the original map's contents with the staged copy.
func commitMap(orig, staged *message.KeyMap) {
	if orig == nil || staged == nil || orig == staged {
		return
	}
	orig.Replace(staged.Snapshot())
}
