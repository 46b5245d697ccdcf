package domain

import "time"

type Company struct {
	ID     CompanyID `json:"id"`
	Name   string    `json:"name"`
	AmcEnd string    `json:"amc_end,omitempty"` // "2006-01-02", empty when unset
}

type LicenseStatus string

const (
	LicenseUnknown  LicenseStatus = "unknown"
	LicenseValid    LicenseStatus = "valid"
	LicenseExpiring LicenseStatus = "expiring" // less than 30 days left
	LicenseExpired  LicenseStatus = "expired"
)

// License evaluates amc_end against now.
func (c *Company) License(now time.Time) LicenseStatus {
	if c == nil || c.AmcEnd == "" {
		return LicenseUnknown
	}
	end, err := time.Parse("2006-01-02", c.AmcEnd)
	if err != nil {
		return LicenseUnknown
	}
	switch {
	case end.Before(now):
		return LicenseExpired
	case end.Before(now.Add(30 * 24 * time.Hour)):
		return LicenseExpiring
	default:
		return LicenseValid
	}
}
