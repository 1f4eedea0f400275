package gogate

import (
	"net/netip"
	"time"
)

// ConditionKind identifies a condition variant.
type ConditionKind string

const (
	ConditionTimeWindow  ConditionKind = "time_based"
	ConditionIPAllowList ConditionKind = "ip_based"
)

// AccessContext carries request attributes that conditions are evaluated against.
type AccessContext struct {
	ClientIP netip.Addr
}

// Condition is an extra requirement attached to a feature. The set of
// variants is closed: TimeWindowCondition and IPAllowListCondition.
type Condition interface {
	Kind() ConditionKind
	Evaluate(ac AccessContext, now time.Time) bool
	condition()
}

// TimeWindowCondition allows access between Start and End, expressed as
// offsets from midnight. Windows with End before Start wrap past midnight.
// An empty Weekdays list means every day.
type TimeWindowCondition struct {
	Start    time.Duration
	End      time.Duration
	Weekdays []time.Weekday
	// Location defaults to the location of the evaluation time.
	Location *time.Location
}

func (TimeWindowCondition) Kind() ConditionKind { return ConditionTimeWindow }

func (TimeWindowCondition) condition() {}

// Evaluate reports whether now falls inside the window.
func (c TimeWindowCondition) Evaluate(_ AccessContext, now time.Time) bool {
	if c.Location != nil {
		now = now.In(c.Location)
	}
	if len(c.Weekdays) > 0 {
		found := false
		for _, d := range c.Weekdays {
			if d == now.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := now.Sub(midnight)
	if c.Start <= c.End {
		return offset >= c.Start && offset < c.End
	}
	return offset >= c.Start || offset < c.End
}

// IPAllowListCondition allows access from addresses inside any of Prefixes.
type IPAllowListCondition struct {
	Prefixes []netip.Prefix
}

func (IPAllowListCondition) Kind() ConditionKind { return ConditionIPAllowList }

func (IPAllowListCondition) condition() {}

// Evaluate reports whether the client address is allowed. A missing address is denied.
func (c IPAllowListCondition) Evaluate(ac AccessContext, _ time.Time) bool {
	if !ac.ClientIP.IsValid() {
		return false
	}
	addr := ac.ClientIP.Unmap()
	for _, p := range c.Prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseIPAllowList builds an IPAllowListCondition from CIDR strings. Bare
// addresses are treated as single-host prefixes.
func ParseIPAllowList(cidrs ...string) (IPAllowListCondition, error) {
	c := IPAllowListCondition{Prefixes: make([]netip.Prefix, 0, len(cidrs))}
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			addr, aerr := netip.ParseAddr(s)
			if aerr != nil {
				return IPAllowListCondition{}, err
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		c.Prefixes = append(c.Prefixes, p.Masked())
	}
	return c, nil
}
