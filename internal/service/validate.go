package service

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	countryCodeRe = regexp.MustCompile(`^[A-Za-z]{2}$`)
	phoneRe       = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
	usernameRe    = regexp.MustCompile(`^[A-Za-z0-9._-]{3,32}$`)
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizePhone drops the spacing and punctuation people type into phone
// fields; the leading + is kept.
func normalizePhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(phone))
}

func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	at := strings.LastIndex(email, "@")
	return at > 0 && strings.Contains(email[at+1:], ".")
}

func validateCompany(c *CompanyInput) *Error {
	c.Name = strings.TrimSpace(c.Name)
	c.FullName = strings.TrimSpace(c.FullName)
	c.ShortName = strings.TrimSpace(c.ShortName)
	c.CountryCode = strings.ToUpper(strings.TrimSpace(c.CountryCode))
	c.Phone = normalizePhone(c.Phone)
	c.Address = strings.TrimSpace(c.Address)
	c.City = strings.TrimSpace(c.City)

	switch {
	case utf8.RuneCountInString(c.Name) < 2:
		return validationErr("invalid_company_name", "companyName", "company name must be at least 2 characters")
	case utf8.RuneCountInString(c.Name) > 200:
		return validationErr("invalid_company_name", "companyName", "company name is too long")
	case !countryCodeRe.MatchString(c.CountryCode):
		return validationErr("invalid_country_code", "countryCode", "country code must be exactly 2 letters")
	case !phoneRe.MatchString(c.Phone):
		return validationErr("invalid_phone", "phoneNumber", "phone number must be in international format, e.g. +15551234567")
	}
	return nil
}

func validateOwner(o *OwnerInput) *Error {
	o.Email = normalizeEmail(o.Email)
	o.FirstName = strings.TrimSpace(o.FirstName)
	o.LastName = strings.TrimSpace(o.LastName)

	switch {
	case !validEmail(o.Email):
		return validationErr("invalid_email", "ownerEmail", "email address is not valid")
	case o.FirstName == "":
		return validationErr("invalid_first_name", "ownerFirstName", "first name is required")
	case o.LastName == "":
		return validationErr("invalid_last_name", "ownerLastName", "last name is required")
	case utf8.RuneCountInString(o.FirstName) > 100 || utf8.RuneCountInString(o.LastName) > 100:
		return validationErr("invalid_name", "ownerFirstName", "name is too long")
	}
	return nil
}

func validateUsername(username string) *Error {
	if !usernameRe.MatchString(username) {
		return validationErr("invalid_username", "username", "username must be 3-32 characters of letters, digits, dot, dash or underscore")
	}
	return nil
}
