package aggregate

import (
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// matchTarget is the field set shield conditions evaluate against. Events
// and alerts both project onto it.
type matchTarget struct {
	resource string
	ruleKey  string
	level    alert.Level
}

func alertTarget(a *alert.Alert) matchTarget {
	return matchTarget{resource: a.Resource, ruleKey: a.RuleKey, level: a.Level}
}

func eventTarget(ev *alert.Event) matchTarget {
	return matchTarget{resource: ev.Resource, ruleKey: ev.RuleKey, level: ev.Level}
}

// matchShield returns the first active shield whose conditions match the
// target, or nil.
func matchShield(shields []*alert.Shield, t matchTarget, now time.Time) *alert.Shield {
	for _, sh := range shields {
		if !sh.ActiveAt(now) {
			continue
		}
		if shieldMatches(sh, t) {
			return sh
		}
	}
	return nil
}

// shieldMatches evaluates the shield's condition groups: outer slice is OR,
// inner slice is AND. A shield with no conditions matches nothing.
func shieldMatches(sh *alert.Shield, t matchTarget) bool {
	for _, group := range sh.Conditions {
		if len(group) == 0 {
			continue
		}
		all := true
		for _, cond := range group {
			if !condMatches(cond, t) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func condMatches(c alert.ShieldCondition, t matchTarget) bool {
	var field string
	switch c.Field {
	case "resource":
		field = t.resource
	case "rule_key":
		field = t.ruleKey
	case "level":
		field = string(t.level)
	default:
		return false
	}

	switch c.Op {
	case "eq":
		return field == c.Value
	case "ne":
		return field != c.Value
	case "contains":
		return strings.Contains(field, c.Value)
	case "regex":
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(field)
	}
	return false
}
