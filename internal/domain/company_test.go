package domain

import (
	"testing"
	"time"
)

func TestCompanyLicense(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		amcEnd string
		want   LicenseStatus
	}{
		{"unset", "", LicenseUnknown},
		{"garbage", "tomorrow", LicenseUnknown},
		{"expired", "2026-08-31", LicenseExpired},
		{"expiring", "2026-09-15", LicenseExpiring},
		{"valid", "2027-01-01", LicenseValid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Company{ID: "c1", AmcEnd: tc.amcEnd}
			if got := c.License(now); got != tc.want {
				t.Fatalf("License() = %s, want %s", got, tc.want)
			}
		})
	}

	var nilCompany *Company
	if got := nilCompany.License(now); got != LicenseUnknown {
		t.Fatalf("nil company license = %s, want unknown", got)
	}
}

func TestGuardSetName(t *testing.T) {
	g := &Guard{ID: "a"}
	if err := g.SetName(""); err != ErrGuardNameEmpty {
		t.Fatalf("err = %v, want ErrGuardNameEmpty", err)
	}
	long := make([]byte, MaxGuardNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if err := g.SetName(string(long)); err != ErrGuardNameTooLong {
		t.Fatalf("err = %v, want ErrGuardNameTooLong", err)
	}
	if err := g.SetName("Guard A"); err != nil || g.Name != "Guard A" {
		t.Fatalf("SetName = %v, name %q", err, g.Name)
	}
}

func TestGroupHasMember(t *testing.T) {
	g := &Group{ID: "g1", GuardIDs: []GuardID{"a", "b"}}
	if !g.HasMember("a") || g.HasMember("c") {
		t.Fatal("membership check wrong")
	}
}
