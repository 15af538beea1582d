package model

import (
	"time"

	log "github.com/sirupsen/logrus"

	C "github.com/augustogoulart/posthog/config"
)

const (
	PropertyEntityUser  = "user"
	PropertyEntityEvent = "event"
)

const PropertyValueNone = "$none"

const (
	LOGICAL_OP_AND = "AND"
	LOGICAL_OP_OR  = "OR"
)

const (
	EqualsOpStr             = "equals"
	NotEqualOpStr           = "notEqual"
	GreaterThanOpStr        = "greaterThan"
	LesserThanOpStr         = "lesserThan"
	GreaterThanOrEqualOpStr = "greaterThanOrEqual"
	LesserThanOrEqualOpStr  = "lesserThanOrEqual"
	ContainsOpStr           = "contains"
	NotContainsOpStr        = "notContains"
	RegexOpStr              = "regex"
	NotRegexOpStr           = "notRegex"
	IsSetOpStr              = "isSet"
	IsNotSetOpStr           = "isNotSet"
)

var validPropertyOperators = map[string]bool{
	EqualsOpStr:             true,
	NotEqualOpStr:           true,
	GreaterThanOpStr:        true,
	LesserThanOpStr:         true,
	GreaterThanOrEqualOpStr: true,
	LesserThanOrEqualOpStr:  true,
	ContainsOpStr:           true,
	NotContainsOpStr:        true,
	RegexOpStr:              true,
	NotRegexOpStr:           true,
	IsSetOpStr:              true,
	IsNotSetOpStr:           true,
}

func IsValidPropertyOperator(op string) bool {
	return validPropertyOperators[op]
}

const (
	ErrMsgQueryProcessingFailure = "Failed processing query"
	ErrMsgMaxFunnelStepsExceeded = "Max funnel steps exceeded"
)

// QueryProperty Filter on an event or user property.
type QueryProperty struct {
	// Entity: user or event.
	Entity string `json:"en" yaml:"en"`
	// Type: categorical or numerical
	Type      string `json:"ty" yaml:"ty"`
	Property  string `json:"pr" yaml:"pr"`
	Operator  string `json:"op" yaml:"op"`
	Value     string `json:"va" yaml:"va"`
	LogicalOp string `json:"lop" yaml:"lop"`
}

// LogOnSlowExecutionWithParams Logs with fields when time since start
// crosses the configured threshold. Use with defer.
func LogOnSlowExecutionWithParams(start time.Time, logFields *log.Fields) {
	timeTaken := time.Since(start)
	if timeTaken < C.GetSlowQueryThreshold() {
		return
	}

	fields := log.Fields{"time_taken_in_secs": timeTaken.Seconds()}
	if logFields != nil {
		for k, v := range *logFields {
			fields[k] = v
		}
	}
	log.WithFields(fields).Warn("Slow execution.")
}
