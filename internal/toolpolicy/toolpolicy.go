// Package toolpolicy implements the tool-invocation policy (spec §4.F): for
// each proposed tool call, decide allow or refuse using the organization's
// global policy, the calling agent's own allow/deny rules, and the
// trusted-data evaluator's verdict.
//
// Grounded on internal/pipes/tool_output/skip_tools.go's category-name
// mapping idiom (BuildSkipSet: a configured list resolved into a
// provider-scoped set of exact tool names, unknown entries passed through
// as literal names) — generalized here from "build a skip set" to
// "evaluate an ordered allow/refuse rule list", reusing the same
// case-sensitivity and set-membership conventions.
package toolpolicy

import (
	"fmt"

	"github.com/compresr/context-gateway/internal/adapters"
)

// GlobalPolicy is an organization-wide tool-invocation stance (spec §4.F).
type GlobalPolicy string

const (
	PolicyPermissive  GlobalPolicy = "permissive"
	PolicyRestrictive GlobalPolicy = "restrictive"
)

// AgentRules is one agent's own allow/deny lists, evaluated after the
// whitelist and global-policy checks (spec §4.F "Per-agent deny rules" /
// "Per-agent allow rules").
type AgentRules struct {
	Deny  map[string]bool
	Allow map[string]bool
}

// Input bundles everything the decision needs for one request (spec §4.F
// "Input:").
type Input struct {
	GlobalPolicy     GlobalPolicy
	ContextIsTrusted bool
	EnabledTools     map[string]bool // whitelist of tool names enabled for this agent/org
	Agent            AgentRules
}

// Refusal is the non-nil outcome of Evaluate: a human-readable message
// replaces the assistant's text and every tool block is suppressed (spec
// §4.F "Output:").
type Refusal struct {
	ToolCallID    string
	ToolName      string
	MachineReason string
	HumanMessage  string
}

// Evaluate decides every call in calls against in, evaluated in the fixed
// order spec §4.F defines, first match wins. It returns the first refusal
// encountered (a refusal applies to the whole response, so there is no
// value in reporting more than one), or nil if every call is approved.
func Evaluate(calls []adapters.CommonToolCall, in Input) *Refusal {
	for _, call := range calls {
		if r := decide(call, in); r != nil {
			return r
		}
	}
	return nil
}

func decide(call adapters.CommonToolCall, in Input) *Refusal {
	if !in.EnabledTools[call.Name] {
		return refuse(call, "tool_not_enabled", fmt.Sprintf("The tool %q is not enabled for this agent.", call.Name))
	}
	if in.GlobalPolicy == PolicyRestrictive && !in.ContextIsTrusted {
		return refuse(call, "untrusted_context", fmt.Sprintf("The tool %q was blocked because the current conversation context could not be verified as trusted.", call.Name))
	}
	if in.Agent.Deny[call.Name] {
		return refuse(call, "agent_denied", fmt.Sprintf("The tool %q is denied for this agent.", call.Name))
	}
	if in.Agent.Allow[call.Name] {
		return nil
	}
	if in.GlobalPolicy == PolicyRestrictive {
		return refuse(call, "default_restrictive", fmt.Sprintf("The tool %q is not explicitly allowed under the organization's restrictive tool policy.", call.Name))
	}
	return nil
}

func refuse(call adapters.CommonToolCall, reason, message string) *Refusal {
	return &Refusal{ToolCallID: call.ID, ToolName: call.Name, MachineReason: reason, HumanMessage: message}
}
