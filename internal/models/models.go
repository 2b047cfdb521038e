package models

import "time"

type Company struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name,omitempty"`
	ShortName   string    `json:"short_name,omitempty"`
	CountryCode string    `json:"country_code"`
	Phone       string    `json:"phone"`
	Address     string    `json:"address,omitempty"`
	City        string    `json:"city,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type Role struct {
	ID          string
	CompanyID   *string
	Name        string
	Permissions []string
	CreatedAt   time.Time
}

type User struct {
	ID                     string
	CompanyID              string
	RoleID                 string
	Email                  string
	Username               string
	FirstName              string
	LastName               string
	PasswordHash           string
	TOTPSecret             *string
	TwoFactorEnabled       bool
	TwoFactorSetupRequired bool
	Active                 bool
	LockedUntil            *time.Time
	LastLoginAt            *time.Time
	CreatedAt              time.Time
}

func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

type FailedLoginAttempt struct {
	ID          string
	Email       string
	IP          string
	UserAgent   string
	CompanyID   *string
	AttemptedAt time.Time
}

type UserSession struct {
	ID               string
	UserID           string
	CompanyID        string
	RefreshTokenHash string
	IP               string
	UserAgent        string
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

type ActivityEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	CompanyID    string    `json:"company_id,omitempty"`
	Action       string    `json:"action"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewAccount is everything finalize and single-page registration write in
// one transaction.
type NewAccount struct {
	Company     Company
	Role        Role
	User        User
	BackupCodes []string
	// ReserveUsername claims User.Username across every company.
	ReserveUsername bool
	// TOTPStep is the time step of the code that confirmed enrolment.
	TOTPStep *int64
}
