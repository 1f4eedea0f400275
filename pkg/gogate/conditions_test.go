package gogate_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

func TestTimeWindowCondition(t *testing.T) {
	business := gogate.TimeWindowCondition{
		Start:    9 * time.Hour,
		End:      17 * time.Hour,
		Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Location: time.UTC,
	}
	assert.Equal(t, gogate.ConditionTimeWindow, business.Kind())

	// 2025-01-20 is a Monday.
	assert.True(t, business.Evaluate(gogate.AccessContext{}, time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)))
	assert.False(t, business.Evaluate(gogate.AccessContext{}, time.Date(2025, 1, 20, 17, 0, 0, 0, time.UTC)))
	assert.False(t, business.Evaluate(gogate.AccessContext{}, time.Date(2025, 1, 19, 12, 0, 0, 0, time.UTC)))

	overnight := gogate.TimeWindowCondition{Start: 22 * time.Hour, End: 6 * time.Hour}
	assert.True(t, overnight.Evaluate(gogate.AccessContext{}, time.Date(2025, 1, 20, 23, 0, 0, 0, time.UTC)))
	assert.True(t, overnight.Evaluate(gogate.AccessContext{}, time.Date(2025, 1, 20, 5, 59, 0, 0, time.UTC)))
	assert.False(t, overnight.Evaluate(gogate.AccessContext{}, time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)))
}

func TestIPAllowListCondition(t *testing.T) {
	cond, err := gogate.ParseIPAllowList("10.0.0.0/8", "2001:db8::/32", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, gogate.ConditionIPAllowList, cond.Kind())

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.20.30.40", true},
		{"::ffff:10.1.1.1", true},
		{"2001:db8::1", true},
		{"203.0.113.7", true},
		{"203.0.113.8", false},
		{"192.168.0.1", false},
	}
	for _, tt := range tests {
		ac := gogate.AccessContext{ClientIP: netip.MustParseAddr(tt.ip)}
		assert.Equal(t, tt.want, cond.Evaluate(ac, time.Time{}), tt.ip)
	}

	assert.False(t, cond.Evaluate(gogate.AccessContext{}, time.Time{}), "missing address")

	_, err = gogate.ParseIPAllowList("not-an-ip")
	assert.Error(t, err)
}
