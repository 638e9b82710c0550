package lti_test

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/newton-ai/lti-gateway/internal/lti"
)

func TestFromClaimsFlattensLaunch(t *testing.T) {
	claims := jwt.MapClaims{
		"iss":         "https://lms.example.edu",
		"sub":         "lms-user-42",
		"email":       "ada@school.example",
		"name":        "Ada Lovelace",
		"given_name":  "Ada",
		"family_name": "Lovelace",

		lti.ClaimMessageType:  lti.MessageTypeResourceLink,
		lti.ClaimDeploymentID: "dep-1",
		lti.ClaimTargetLink:   "https://tool.example.com/chat",
		lti.ClaimRoles: []any{
			lti.RoleContextLearner,
			lti.RoleStudent,
		},
		lti.ClaimContext:      map[string]any{"id": "course-9", "label": "PHY-10", "title": "GCSE Physics"},
		lti.ClaimResourceLink: map[string]any{"id": "rl-3"},
		lti.ClaimCustom:       map[string]any{"year_group": "year10"},
	}

	lc := lti.FromClaims(claims)
	if lc.Issuer != "https://lms.example.edu" || lc.Subject != "lms-user-42" {
		t.Fatalf("identity: %+v", lc)
	}
	if lc.GivenName != "Ada" || lc.FamilyName != "Lovelace" {
		t.Fatalf("names: %+v", lc)
	}
	if lc.ContextID != "course-9" || lc.ContextLabel != "PHY-10" || lc.ContextTitle != "GCSE Physics" {
		t.Fatalf("context: %+v", lc)
	}
	if lc.ResourceLinkID != "rl-3" {
		t.Fatalf("resource link: %+v", lc)
	}
	if lc.Custom["year_group"] != "year10" {
		t.Fatalf("custom: %+v", lc.Custom)
	}
	if len(lc.Roles) != 2 {
		t.Fatalf("roles: %+v", lc.Roles)
	}
	if lc.Raw == nil {
		t.Fatalf("raw claims dropped")
	}
}

func TestSimpleRoleMapping(t *testing.T) {
	cases := []struct {
		roles []string
		want  string
	}{
		{[]string{lti.RoleContextLearner}, "student"},
		{[]string{lti.RoleStudent}, "student"},
		{[]string{lti.RoleContextInstructor}, "teacher"},
		{[]string{lti.RoleInstructor, lti.RoleContextLearner}, "teacher"},
		{[]string{lti.RoleSystemAdmin}, "admin"},
		{[]string{lti.RoleContextAdmin, lti.RoleContextInstructor}, "admin"},
		{[]string{"http://example.com/vocab/Other"}, "unknown"},
		{nil, "unknown"},
	}
	for _, c := range cases {
		lc := lti.LaunchContext{Roles: c.roles}
		if got := lc.SimpleRole(); got != c.want {
			t.Errorf("SimpleRole(%v) = %s, want %s", c.roles, got, c.want)
		}
	}
}

func TestInstructorAndLearnerChecks(t *testing.T) {
	teacher := lti.LaunchContext{Roles: []string{lti.RoleContextInstructor}}
	if !teacher.IsInstructor() || teacher.IsLearner() {
		t.Fatalf("instructor misclassified")
	}
	student := lti.LaunchContext{Roles: []string{lti.RoleContextLearner}}
	if student.IsInstructor() || !student.IsLearner() {
		t.Fatalf("learner misclassified")
	}
}
