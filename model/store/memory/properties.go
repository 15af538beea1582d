package memory

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/augustogoulart/posthog/model/model"
)

// propertyValue Raw value of the property as string, strings unquoted.
func propertyValue(entity, key string, event *model.Event) (string, bool) {
	properties := event.Properties
	if entity == model.PropertyEntityUser {
		properties = event.UserProperties
	}

	value, exists := properties[key]
	if !exists {
		return "", false
	}
	if s, ok := value.(string); ok {
		return s, true
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", true
	}
	return strings.Trim(string(raw), "\""), true
}

func matchProperty(property model.QueryProperty, event *model.Event) bool {
	value, exists := propertyValue(property.Entity, property.Property, event)

	switch property.Operator {
	case model.IsSetOpStr:
		return exists
	case model.IsNotSetOpStr:
		return !exists

	case model.EqualsOpStr:
		if property.Value == model.PropertyValueNone {
			return value == ""
		}
		return value == property.Value
	case model.NotEqualOpStr:
		if property.Value == model.PropertyValueNone {
			return value != ""
		}
		return value != property.Value

	case model.ContainsOpStr:
		return strings.Contains(strings.ToLower(value), strings.ToLower(property.Value))
	case model.NotContainsOpStr:
		return !strings.Contains(strings.ToLower(value), strings.ToLower(property.Value))

	case model.RegexOpStr, model.NotRegexOpStr:
		re, err := regexp.Compile(property.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value) == (property.Operator == model.RegexOpStr)

	case model.GreaterThanOpStr, model.LesserThanOpStr,
		model.GreaterThanOrEqualOpStr, model.LesserThanOrEqualOpStr:
		number, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		target, err := strconv.ParseFloat(strings.TrimSpace(property.Value), 64)
		if err != nil {
			return false
		}
		switch property.Operator {
		case model.GreaterThanOpStr:
			return number > target
		case model.LesserThanOpStr:
			return number < target
		case model.GreaterThanOrEqualOpStr:
			return number >= target
		default:
			return number <= target
		}
	}
	return false
}

// matchProperties Consecutive properties joined with OR form a group,
// groups are joined with AND.
func matchProperties(properties []model.QueryProperty, event *model.Event) bool {
	groupMatched := true
	for i, property := range properties {
		startsGroup := i == 0 || property.LogicalOp != model.LOGICAL_OP_OR
		if startsGroup {
			if !groupMatched {
				return false
			}
			groupMatched = matchProperty(property, event)
			continue
		}
		groupMatched = groupMatched || matchProperty(property, event)
	}
	return groupMatched
}
