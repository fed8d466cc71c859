// Package policy is the single source of truth for authorization. Every rule
// in the system lives in the table below; no other component re-implements a
// role check.
package policy

import (
	"medgate/pkg/auth"
	"medgate/pkg/models"
)

type Action string

const (
	ActionListRecords    Action = "records.list"
	ActionCreateRecord   Action = "records.create"
	ActionUpdateRecord   Action = "records.update"
	ActionDeleteRecord   Action = "records.delete"
	ActionAnnotateRecord Action = "records.annotate"
	ActionListAccounts   Action = "accounts.list"
	ActionCreateAccount  Action = "accounts.create"
	ActionToggleAccount  Action = "accounts.toggle"
	ActionDeleteAccount  Action = "accounts.delete"
)

type Reason string

const (
	ReasonAllowed   Reason = "ALLOWED"
	ReasonInactive  Reason = "INACTIVE"
	ReasonWrongRole Reason = "WRONG_ROLE"
	ReasonNotOwner  Reason = "NOT_OWNER"
)

type Decision struct {
	Allowed bool
	Reason  Reason
}

var allow = Decision{Allowed: true, Reason: ReasonAllowed}

func deny(reason Reason) Decision { return Decision{Allowed: false, Reason: reason} }

type ruleKey struct {
	role   models.Role
	action Action
}

type rule struct {
	// ownerBound rules additionally require ownerID == principal.ID.
	ownerBound bool
}

// The exhaustive (role, action) table. Absence means deny with WRONG_ROLE.
var rules = map[ruleKey]rule{
	{models.RoleDoctor, ActionListRecords}:   {},
	{models.RoleNurse, ActionListRecords}:    {},
	{models.RoleDoctor, ActionCreateRecord}:  {},
	{models.RoleDoctor, ActionUpdateRecord}:  {ownerBound: true},
	{models.RoleDoctor, ActionDeleteRecord}:  {ownerBound: true},
	{models.RoleNurse, ActionAnnotateRecord}: {},
	{models.RoleAdmin, ActionListAccounts}:   {},
	{models.RoleAdmin, ActionCreateAccount}:  {},
	{models.RoleAdmin, ActionToggleAccount}:  {},
	{models.RoleAdmin, ActionDeleteAccount}:  {},
}

// Authorize decides whether principal may perform action. ownerID is the
// owning doctor's account id for record-scoped actions and "" otherwise.
// Inactive principals are denied everything, checked before any rule lookup.
func Authorize(principal auth.Principal, action Action, ownerID string) Decision {
	if principal.Status != models.StatusActive {
		return deny(ReasonInactive)
	}
	r, ok := rules[ruleKey{principal.Role, action}]
	if !ok {
		return deny(ReasonWrongRole)
	}
	if r.ownerBound && ownerID != principal.ID {
		return deny(ReasonNotOwner)
	}
	return allow
}
