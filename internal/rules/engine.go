package rules

import (
	"github.com/mailminder/mailminder/internal/model"
)

// Evaluate runs every rule independently against one immutable event and
// returns the action intents that fired. Evaluation is pure and
// order-independent across rules; several rules may fire for the same
// event, each intent carrying its own dedup key so re-evaluation on
// retry never re-executes a completed action.
func Evaluate(ev model.Event, ruleSet []Rule) []model.ActionIntent {
	var intents []model.ActionIntent
	for _, r := range ruleSet {
		if !r.Enabled {
			continue
		}
		if !r.appliesTo(ev.Type) {
			continue
		}
		if !r.When.matches(ev) {
			continue
		}
		for _, action := range r.Then {
			intents = append(intents, buildIntent(r, action, ev))
		}
	}
	return intents
}

func (r Rule) appliesTo(t model.EventType) bool {
	switch r.Scope {
	case ScopeIncoming:
		return t == model.EventMessageReceived
	case ScopeOutgoing:
		return t == model.EventMessageSent
	}
	return false
}

func (c Criteria) matches(ev model.Event) bool {
	if c.subjectRe != nil && !c.subjectRe.MatchString(ev.Subject) {
		return false
	}
	if c.fromRe != nil && !c.fromRe.MatchString(ev.From) {
		return false
	}
	if c.HasAttachment != nil && *c.HasAttachment != (len(ev.Attachments) > 0) {
		return false
	}
	return true
}

func buildIntent(r Rule, action ActionSpec, ev model.Event) model.ActionIntent {
	params := map[string]string{
		"rule_id": r.ID,
	}
	if ev.ProviderMessageID != "" {
		params["provider_message_id"] = ev.ProviderMessageID
	}
	switch action.Kind {
	case model.ActionSaveAttachment:
		params["dir"] = action.Dir
		if action.RenamePattern != "" {
			params["rename_pattern"] = action.RenamePattern
		}
	case model.ActionMoveMessage:
		params["folder"] = action.Folder
	case model.ActionTagMessage:
		params["tag"] = action.Tag
	}

	return model.ActionIntent{
		DedupKey:  model.RuleDedupKey(r.ID, ev.Key, action.Kind),
		Kind:      action.Kind,
		MessageID: ev.MessageID,
		Params:    params,
	}
}
