package rbac

import "testing"

func TestAtLeast(t *testing.T) {
	cases := []struct {
		name  string
		role  Role
		min   Role
		allow bool
	}{
		{name: "member vs member", role: RoleMember, min: RoleMember, allow: true},
		{name: "member vs admin", role: RoleMember, min: RoleAdmin, allow: false},
		{name: "admin vs member", role: RoleAdmin, min: RoleMember, allow: true},
		{name: "admin vs founder", role: RoleAdmin, min: RoleFounder, allow: false},
		{name: "founder vs admin", role: RoleFounder, min: RoleAdmin, allow: true},
		{name: "unknown vs member", role: Role("guest"), min: RoleMember, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AtLeast(tc.role, tc.min); got != tc.allow {
				t.Fatalf("AtLeast(%q, %q) = %v, want %v", tc.role, tc.min, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" Admin "); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize("founder"); got != RoleFounder {
		t.Fatalf("Normalize(founder) = %q", got)
	}
	if got := Normalize("viewer"); got != RoleMember {
		t.Fatalf("Normalize(viewer) = %q, want member", got)
	}
	if !IsAdmin(RoleFounder) || IsAdmin(RoleMember) {
		t.Fatal("IsAdmin mismatch")
	}
}

func TestKnown(t *testing.T) {
	for _, role := range []string{"member", "ADMIN", " founder"} {
		if !Known(role) {
			t.Fatalf("Known(%q) = false", role)
		}
	}
	if Known("viewer") || Known("") {
		t.Fatal("unexpected known role")
	}
}
