package util

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// FloatRoundOffWithPrecision Rounds of a float64 value to given precision. Ex: 2.667 with precision 2 -> 2.67.
func FloatRoundOffWithPrecision(value float64, precision int) (float64, error) {
	valueString := fmt.Sprintf("%0.*f", precision, value)
	roundOffValue, err := strconv.ParseFloat(valueString, 64)
	if err != nil {
		log.WithFields(log.Fields{"value": value,
			"precision": precision}).Error("error while rounding off float value")
		return roundOffValue, err
	}
	return roundOffValue, nil
}

func GenerateHash(bytes []byte) string {
	return fmt.Sprintf("%x", md5.Sum(bytes))
}

// GenerateHashStringForStruct Marshals the passed struct and generates a unique hash string.
func GenerateHashStringForStruct(payload interface{}) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return GenerateHash(payloadBytes), nil
}

// DeepCopy Deep copies a to b. b must be a pointer.
func DeepCopy(a, b interface{}) error {
	return copier.CopyWithOption(b, a, copier.Option{DeepCopy: true})
}

// GetUniqueQueryRequestID Unique id for tracking a query across logs.
func GetUniqueQueryRequestID() string {
	return xid.New().String()
}

// LogComputeTimeWithQueryRequestID Logs time taken on the application side
// after the store returned.
func LogComputeTimeWithQueryRequestID(startTime time.Time, reqID string, logFields *log.Fields) {
	timeTaken := time.Now().Sub(startTime).Milliseconds()
	fields := log.Fields{"req_id": reqID, "time_taken_in_ms": timeTaken}
	if logFields != nil {
		for k, v := range *logFields {
			fields[k] = v
		}
	}
	log.WithFields(fields).Info("Query compute time.")
}

// TrimQueryString Collapses whitespace for logging.
func TrimQueryString(stmnt string) string {
	return strings.Join(strings.Fields(stmnt), " ")
}

func StringValueIn(value string, list []string) bool {
	for _, v := range list {
		if value == v {
			return true
		}
	}
	return false
}
