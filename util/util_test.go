package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFloatRoundOffWithPrecision(t *testing.T) {
	value, err := FloatRoundOffWithPrecision(2.667, 2)
	assert.Nil(t, err)
	assert.Equal(t, 2.67, value)

	value, err = FloatRoundOffWithPrecision(33.333333, 2)
	assert.Nil(t, err)
	assert.Equal(t, 33.33, value)
}

func TestGenerateHashStringForStruct(t *testing.T) {
	type payload struct {
		A int
		B []string
	}
	h1, err := GenerateHashStringForStruct(payload{A: 1, B: []string{"x"}})
	assert.Nil(t, err)
	h2, _ := GenerateHashStringForStruct(payload{A: 1, B: []string{"x"}})
	h3, _ := GenerateHashStringForStruct(payload{A: 2, B: []string{"x"}})
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestDeepCopy(t *testing.T) {
	type inner struct{ Values []string }
	type outer struct {
		Name  string
		Inner []inner
	}
	src := outer{Name: "a", Inner: []inner{{Values: []string{"x"}}}}
	var dst outer
	assert.Nil(t, DeepCopy(src, &dst))
	assert.Equal(t, src, dst)

	dst.Inner[0].Values[0] = "y"
	assert.Equal(t, "x", src.Inner[0].Values[0])
}

func TestDBDebugPreparedStatement(t *testing.T) {
	stmnt := "SELECT * FROM events WHERE project_id = @project_id AND event_name = @e_0 AND x = @missing"
	params := map[string]interface{}{"project_id": int64(1), "e_0": "$pageview"}
	assert.Equal(t, "SELECT * FROM events WHERE project_id = 1 AND event_name = '$pageview' AND x = @missing",
		DBDebugPreparedStatement(stmnt, params))
}

func TestPeriods(t *testing.T) {
	from := time.Date(2021, 5, 1, 10, 30, 0, 0, time.UTC).Unix()
	to := time.Date(2021, 5, 3, 1, 0, 0, 0, time.UTC).Unix()

	t.Run("Days", func(t *testing.T) {
		days := GetAllDatesAsTimestamp(from, to)
		assert.Len(t, days, 3)
		assert.Equal(t, time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), days[0])
		assert.Equal(t, time.Date(2021, 5, 3, 0, 0, 0, 0, time.UTC), days[2])
	})

	t.Run("Hours", func(t *testing.T) {
		hours := GetAllHoursAsTimestamp(from, from+2*SECONDS_IN_A_HOUR)
		assert.Len(t, hours, 3)
		assert.Equal(t, time.Date(2021, 5, 1, 10, 0, 0, 0, time.UTC), hours[0])
	})

	t.Run("Weeks", func(t *testing.T) {
		// 2021-05-01 is a Saturday.
		weeks := GetAllWeeksAsTimestamp(from, to)
		assert.Len(t, weeks, 2)
		assert.Equal(t, time.Sunday, weeks[0].Weekday())
		assert.Equal(t, time.Date(2021, 4, 25, 0, 0, 0, 0, time.UTC), weeks[0])
	})

	t.Run("Months", func(t *testing.T) {
		months := GetAllMonthsAsTimestamp(from, time.Date(2021, 8, 2, 0, 0, 0, 0, time.UTC).Unix())
		assert.Len(t, months, 4)
		assert.Equal(t, time.Date(2021, 8, 1, 0, 0, 0, 0, time.UTC), months[3])
	})

	t.Run("InvertedRange", func(t *testing.T) {
		assert.Len(t, GetAllDatesAsTimestamp(to, from), 0)
	})
}
