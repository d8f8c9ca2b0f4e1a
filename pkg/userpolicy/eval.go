package userpolicy

import (
	"fmt"
	"net/netip"
	"path"
	"strings"
	"time"
)

// EvalInput carries the request context of an access check.
type EvalInput struct {
	ResourceType  string
	ResourceValue string
	DeviceType    string
	ClientIP      string
}

// denyReasonNoMatch is the stable default-deny reason.
const denyReasonNoMatch = "No matching policy found (default deny)"

// EvaluatePolicies walks policies in order (already priority-sorted and
// validity-filtered) and returns the first match. No match means deny.
// It is a pure function of its inputs.
func EvaluatePolicies(policies []UserAccessPolicy, userDBID int64, groupIDs []int64, in EvalInput, now time.Time) Decision {
	for i := range policies {
		p := &policies[i]

		if !policyAppliesToSubject(p, userDBID, groupIDs) {
			continue
		}
		if !resourceMatches(p.ResourceValue, in.ResourceValue) {
			continue
		}
		if p.Conditions != nil && !conditionsPass(p.Conditions, in.DeviceType, in.ClientIP, now) {
			continue
		}

		id := p.ID
		return Decision{
			Allowed:         p.Action == "allow" || p.Action == "require_mfa",
			Action:          p.Action,
			MatchedPolicyID: &id,
			Reason:          fmt.Sprintf("Matched policy: %s", p.Name),
		}
	}

	return Decision{
		Allowed: false,
		Action:  "deny",
		Reason:  denyReasonNoMatch,
	}
}

// policyAppliesToSubject checks the subject clause.
func policyAppliesToSubject(p *UserAccessPolicy, userDBID int64, groupIDs []int64) bool {
	switch p.SubjectType {
	case "all":
		return true
	case "user":
		return p.SubjectID != nil && *p.SubjectID == userDBID
	case "group":
		if p.SubjectID == nil {
			return false
		}
		for _, id := range groupIDs {
			if id == *p.SubjectID {
				return true
			}
		}
	}
	return false
}

// resourceMatches tests the requested resource against the policy's
// pattern: CIDR membership when the pattern contains a slash, otherwise a
// case-insensitive glob.
func resourceMatches(pattern, resource string) bool {
	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err == nil {
			addr, err := netip.ParseAddr(resource)
			if err != nil {
				return false
			}
			return prefix.Contains(addr)
		}
		// Not a valid CIDR after all — fall through to glob matching
		// (URL patterns contain slashes too).
	}

	matched, err := path.Match(strings.ToLower(pattern), strings.ToLower(resource))
	if err != nil {
		return false
	}
	return matched
}

// conditionsPass evaluates optional conditions; every present condition
// must pass. Time windows evaluate in UTC with days 0=Monday … 6=Sunday.
func conditionsPass(c *Conditions, deviceType, clientIP string, now time.Time) bool {
	if len(c.DeviceTypes) > 0 && deviceType != "" {
		if !containsString(c.DeviceTypes, deviceType) {
			return false
		}
	}

	if len(c.TimeWindows) > 0 {
		if !anyWindowMatches(c.TimeWindows, now.UTC()) {
			return false
		}
	}

	if len(c.AllowedIPs) > 0 && clientIP != "" {
		if !ipAllowed(c.AllowedIPs, clientIP) {
			return false
		}
	}

	return true
}

// anyWindowMatches reports whether at least one window covers now.
func anyWindowMatches(windows []TimeWindow, now time.Time) bool {
	// ISO day index: Monday = 0 … Sunday = 6.
	day := (int(now.Weekday()) + 6) % 7
	clock := now.Format("15:04")

	for _, w := range windows {
		if len(w.Days) > 0 && !containsInt(w.Days, day) {
			continue
		}
		start := w.Start
		if start == "" {
			start = "00:00"
		}
		end := w.End
		if end == "" {
			end = "23:59"
		}
		if start <= clock && clock <= end {
			return true
		}
	}
	return false
}

// ipAllowed tests clientIP against the allowed list of exact addresses
// and CIDR ranges.
func ipAllowed(patterns []string, clientIP string) bool {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, pattern := range patterns {
		if strings.Contains(pattern, "/") {
			prefix, err := netip.ParsePrefix(pattern)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if pattern == clientIP {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
