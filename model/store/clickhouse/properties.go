package clickhouse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/augustogoulart/posthog/model/model"
)

var denormalizedKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// DefaultPropertyTranslator Properties are JSON strings on events.properties
// and users.properties. Denormalized event properties are read from
// their own properties_<key> column.
type DefaultPropertyTranslator struct {
	denormalized map[string]bool
}

func NewDefaultPropertyTranslator(denormalizedProperties []string) *DefaultPropertyTranslator {
	denormalized := make(map[string]bool, len(denormalizedProperties))
	for _, key := range denormalizedProperties {
		if denormalizedKeyRegex.MatchString(key) {
			denormalized[key] = true
		}
	}
	return &DefaultPropertyTranslator{denormalized: denormalized}
}

func (t *DefaultPropertyTranslator) IsDenormalized(key string) bool {
	return t.denormalized[key]
}

// propertyValueExpr Raw value of the property as string. Strings are unquoted.
func (t *DefaultPropertyTranslator) propertyValueExpr(entity, key, keyParam, eventAlias, userAlias string) string {
	if entity == model.PropertyEntityEvent && t.IsDenormalized(key) {
		return fmt.Sprintf("%s.`properties_%s`", eventAlias, key)
	}

	alias := eventAlias
	if entity == model.PropertyEntityUser {
		alias = userAlias
	}
	return fmt.Sprintf("trim(BOTH '\"' FROM JSONExtractRaw(%s.properties, @%s))", alias, keyParam)
}

func (t *DefaultPropertyTranslator) propertyExistsExpr(entity, key, keyParam, eventAlias, userAlias string) string {
	if entity == model.PropertyEntityEvent && t.IsDenormalized(key) {
		return fmt.Sprintf("%s.`properties_%s` != ''", eventAlias, key)
	}

	alias := eventAlias
	if entity == model.PropertyEntityUser {
		alias = userAlias
	}
	return fmt.Sprintf("JSONHas(%s.properties, @%s)", alias, keyParam)
}

func (t *DefaultPropertyTranslator) translateProperty(property model.QueryProperty, eventAlias,
	userAlias, paramPrefix string) (string, model.Params, error) {

	keyParam := paramPrefix + "_key"
	valueParam := paramPrefix + "_value"
	params := model.NewParams()
	if !(property.Entity == model.PropertyEntityEvent && t.IsDenormalized(property.Property)) {
		params = params.With(keyParam, property.Property)
	}

	valueExpr := t.propertyValueExpr(property.Entity, property.Property, keyParam, eventAlias, userAlias)
	existsExpr := t.propertyExistsExpr(property.Entity, property.Property, keyParam, eventAlias, userAlias)

	switch property.Operator {
	case model.IsSetOpStr:
		return existsExpr, params, nil
	case model.IsNotSetOpStr:
		return fmt.Sprintf("NOT (%s)", existsExpr), params, nil

	case model.EqualsOpStr:
		if property.Value == model.PropertyValueNone {
			return fmt.Sprintf("%s = ''", valueExpr), params, nil
		}
		return fmt.Sprintf("%s = @%s", valueExpr, valueParam), params.With(valueParam, property.Value), nil
	case model.NotEqualOpStr:
		if property.Value == model.PropertyValueNone {
			return fmt.Sprintf("%s != ''", valueExpr), params, nil
		}
		return fmt.Sprintf("%s != @%s", valueExpr, valueParam), params.With(valueParam, property.Value), nil

	case model.ContainsOpStr:
		return fmt.Sprintf("%s ILIKE @%s", valueExpr, valueParam),
			params.With(valueParam, "%"+property.Value+"%"), nil
	case model.NotContainsOpStr:
		return fmt.Sprintf("NOT (%s ILIKE @%s)", valueExpr, valueParam),
			params.With(valueParam, "%"+property.Value+"%"), nil

	case model.RegexOpStr:
		return fmt.Sprintf("match(%s, @%s)", valueExpr, valueParam), params.With(valueParam, property.Value), nil
	case model.NotRegexOpStr:
		return fmt.Sprintf("NOT match(%s, @%s)", valueExpr, valueParam), params.With(valueParam, property.Value), nil

	case model.GreaterThanOpStr, model.LesserThanOpStr,
		model.GreaterThanOrEqualOpStr, model.LesserThanOrEqualOpStr:
		value, err := strconv.ParseFloat(strings.TrimSpace(property.Value), 64)
		if err != nil {
			return "", params, fmt.Errorf("invalid numerical value %q for property %s", property.Value, property.Property)
		}
		return fmt.Sprintf("toFloat64OrNull(%s) %s @%s", valueExpr, numericalOperators[property.Operator], valueParam),
			params.With(valueParam, value), nil
	}

	return "", params, fmt.Errorf("unsupported property operator %s", property.Operator)
}

var numericalOperators = map[string]string{
	model.GreaterThanOpStr:        ">",
	model.LesserThanOpStr:         "<",
	model.GreaterThanOrEqualOpStr: ">=",
	model.LesserThanOrEqualOpStr:  "<=",
}

// Translate Consecutive properties joined with OR form a group,
// groups are joined with AND.
func (t *DefaultPropertyTranslator) Translate(properties []model.QueryProperty, eventAlias,
	userAlias, paramPrefix string) (string, model.Params, error) {

	params := model.NewParams()
	if len(properties) == 0 {
		return "", params, nil
	}

	groups := make([][]string, 0)
	for i, property := range properties {
		stmnt, propertyParams, err := t.translateProperty(property, eventAlias, userAlias,
			fmt.Sprintf("%s_p%d", paramPrefix, i))
		if err != nil {
			return "", params, err
		}
		params = params.Merge(propertyParams)

		if i == 0 || property.LogicalOp != model.LOGICAL_OP_OR {
			groups = append(groups, []string{})
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], stmnt)
	}

	groupStmnts := make([]string, 0, len(groups))
	for _, group := range groups {
		groupStmnts = append(groupStmnts, "("+strings.Join(group, " OR ")+")")
	}
	return strings.Join(groupStmnts, " AND "), params, nil
}
