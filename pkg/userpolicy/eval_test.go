package userpolicy

import (
	"testing"
	"time"
)

func int64Ptr(v int64) *int64 { return &v }

// mondayNoonUTC is a fixed instant: Monday 12:00 UTC.
var mondayNoonUTC = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func TestEvaluateGroupPolicyAllows(t *testing.T) {
	policies := []UserAccessPolicy{
		{
			ID:            1,
			Name:          "devs-example",
			SubjectType:   "group",
			SubjectID:     int64Ptr(7),
			ResourceType:  "domain",
			ResourceValue: "*.example.com",
			Action:        "allow",
			Priority:      100,
			Enabled:       true,
		},
	}

	in := EvalInput{ResourceType: "domain", ResourceValue: "api.example.com"}

	// u1 in devs (group 7): allowed.
	d := EvaluatePolicies(policies, 42, []int64{7}, in, mondayNoonUTC)
	if !d.Allowed || d.Action != "allow" {
		t.Errorf("decision = %+v, want allow", d)
	}
	if d.MatchedPolicyID == nil || *d.MatchedPolicyID != 1 {
		t.Errorf("MatchedPolicyID = %v, want 1", d.MatchedPolicyID)
	}

	// u1 no longer in devs: default deny.
	d = EvaluatePolicies(policies, 42, nil, in, mondayNoonUTC)
	if d.Allowed || d.Action != "deny" {
		t.Errorf("decision = %+v, want deny", d)
	}
	if d.Reason != "No matching policy found (default deny)" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	policies := []UserAccessPolicy{
		{ID: 1, Name: "deny-all", SubjectType: "all", ResourceType: "domain",
			ResourceValue: "*.internal.io", Action: "deny", Priority: 10, Enabled: true},
		{ID: 2, Name: "allow-user", SubjectType: "user", SubjectID: int64Ptr(5),
			ResourceType: "domain", ResourceValue: "*.internal.io", Action: "allow",
			Priority: 50, Enabled: true},
	}

	in := EvalInput{ResourceType: "domain", ResourceValue: "wiki.internal.io"}
	d := EvaluatePolicies(policies, 5, nil, in, mondayNoonUTC)
	if d.Allowed || d.Action != "deny" {
		t.Errorf("decision = %+v, want priority-10 deny to win", d)
	}
}

func TestEvaluateRequireMFACountsAsAllowed(t *testing.T) {
	policies := []UserAccessPolicy{
		{ID: 1, Name: "mfa", SubjectType: "all", ResourceType: "service",
			ResourceValue: "vault", Action: "require_mfa", Priority: 100, Enabled: true},
	}
	d := EvaluatePolicies(policies, 1, nil,
		EvalInput{ResourceType: "service", ResourceValue: "vault"}, mondayNoonUTC)
	if !d.Allowed || d.Action != "require_mfa" {
		t.Errorf("decision = %+v, want allowed require_mfa", d)
	}
}

func TestEvaluateSubjectScoping(t *testing.T) {
	userPolicy := UserAccessPolicy{
		ID: 1, Name: "only-user-9", SubjectType: "user", SubjectID: int64Ptr(9),
		ResourceType: "domain", ResourceValue: "*", Action: "allow",
		Priority: 100, Enabled: true,
	}

	in := EvalInput{ResourceType: "domain", ResourceValue: "x.test"}

	if d := EvaluatePolicies([]UserAccessPolicy{userPolicy}, 9, nil, in, mondayNoonUTC); !d.Allowed {
		t.Error("user 9 should match a subject_type=user policy with subject_id 9")
	}
	if d := EvaluatePolicies([]UserAccessPolicy{userPolicy}, 10, nil, in, mondayNoonUTC); d.Allowed {
		t.Error("user 10 must not match a policy scoped to user 9")
	}
}

func TestResourceMatches(t *testing.T) {
	tests := []struct {
		pattern, resource string
		want              bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "EXAMPLE.COM", true}, // case-insensitive
		{"*.example.com", "api.example.com", true},
		{"*.example.com", "example.com", false},
		{"*", "anything.at.all", true},
		{"10.0.0.0/24", "10.0.0.5", true},
		{"10.0.0.0/24", "10.0.1.5", false},
		{"10.0.0.0/24", "not-an-ip", false},
		{"api-?.example.com", "api-1.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.resource, func(t *testing.T) {
			if got := resourceMatches(tt.pattern, tt.resource); got != tt.want {
				t.Errorf("resourceMatches(%q, %q) = %v, want %v", tt.pattern, tt.resource, got, tt.want)
			}
		})
	}
}

func TestConditionsDeviceTypes(t *testing.T) {
	c := &Conditions{DeviceTypes: []string{"laptop", "desktop"}}

	if !conditionsPass(c, "laptop", "", mondayNoonUTC) {
		t.Error("laptop should pass")
	}
	if conditionsPass(c, "mobile", "", mondayNoonUTC) {
		t.Error("mobile should fail")
	}
	// Unknown device type: the restriction cannot be checked and is skipped.
	if !conditionsPass(c, "", "", mondayNoonUTC) {
		t.Error("absent device type should pass")
	}
}

func TestConditionsTimeWindows(t *testing.T) {
	workHours := &Conditions{TimeWindows: []TimeWindow{
		{Days: []int{0, 1, 2, 3, 4}, Start: "09:00", End: "18:00"},
	}}

	// Monday 12:00 UTC is inside the window.
	if !conditionsPass(workHours, "", "", mondayNoonUTC) {
		t.Error("Monday noon should be inside work hours")
	}

	// Monday 20:00 UTC is outside.
	evening := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)
	if conditionsPass(workHours, "", "", evening) {
		t.Error("Monday evening should be outside work hours")
	}

	// Saturday noon: day 5 not listed.
	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	if conditionsPass(workHours, "", "", saturday) {
		t.Error("Saturday should be outside work hours")
	}

	// A window with no days applies every day.
	anyDay := &Conditions{TimeWindows: []TimeWindow{{Start: "00:00", End: "23:59"}}}
	if !conditionsPass(anyDay, "", "", saturday) {
		t.Error("all-day window should pass on Saturday")
	}
}

func TestConditionsAllowedIPs(t *testing.T) {
	c := &Conditions{AllowedIPs: []string{"10.0.0.0/24", "203.0.113.7"}}

	if !conditionsPass(c, "", "10.0.0.55", mondayNoonUTC) {
		t.Error("CIDR member should pass")
	}
	if !conditionsPass(c, "", "203.0.113.7", mondayNoonUTC) {
		t.Error("exact match should pass")
	}
	if conditionsPass(c, "", "198.51.100.1", mondayNoonUTC) {
		t.Error("outside address should fail")
	}
	// Absent client IP: restriction cannot be checked and is skipped.
	if !conditionsPass(c, "", "", mondayNoonUTC) {
		t.Error("absent client IP should pass")
	}
}

func TestConditionsCombined(t *testing.T) {
	c := &Conditions{
		DeviceTypes: []string{"laptop"},
		AllowedIPs:  []string{"10.0.0.0/24"},
	}

	// All present conditions must pass.
	if !conditionsPass(c, "laptop", "10.0.0.2", mondayNoonUTC) {
		t.Error("both satisfied should pass")
	}
	if conditionsPass(c, "laptop", "192.0.2.1", mondayNoonUTC) {
		t.Error("bad IP should fail even with allowed device")
	}
	if conditionsPass(c, "mobile", "10.0.0.2", mondayNoonUTC) {
		t.Error("bad device should fail even with allowed IP")
	}
}

func TestValidatePolicy(t *testing.T) {
	valid := UserAccessPolicy{
		Name: "p", SubjectType: "all", ResourceType: "domain",
		ResourceValue: "*.example.com", Action: "allow",
	}
	if err := ValidatePolicy(valid); err != nil {
		t.Errorf("valid policy rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*UserAccessPolicy)
	}{
		{"bad subject type", func(p *UserAccessPolicy) { p.SubjectType = "robot" }},
		{"user without subject id", func(p *UserAccessPolicy) { p.SubjectType = "user" }},
		{"bad resource type", func(p *UserAccessPolicy) { p.ResourceType = "planet" }},
		{"empty resource value", func(p *UserAccessPolicy) { p.ResourceValue = "" }},
		{"bad action", func(p *UserAccessPolicy) { p.Action = "shrug" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			if err := ValidatePolicy(p); err == nil {
				t.Error("invalid policy accepted")
			}
		})
	}
}
