package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"enxero/internal/models"
)

const companyColumns = `id,identifier,name,full_name,short_name,country_code,phone,address,city,active,created_at`

func scanCompany(row interface{ Scan(...any) error }) (models.Company, error) {
	var c models.Company
	var fullName, shortName, address, city sql.NullString
	err := row.Scan(&c.ID, &c.Identifier, &c.Name, &fullName, &shortName, &c.CountryCode, &c.Phone, &address, &city, &c.Active, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Company{}, ErrNotFound
	}
	if err != nil {
		return models.Company{}, err
	}
	c.FullName = fullName.String
	c.ShortName = shortName.String
	c.Address = address.String
	c.City = city.String
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) GetCompanyByID(ctx context.Context, id string) (models.Company, error) {
	return scanCompany(s.queryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id=?`, id))
}

func (s *Store) GetCompanyByIdentifier(ctx context.Context, identifier string) (models.Company, error) {
	return scanCompany(s.queryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE identifier=?`, identifier))
}

func (s *Store) CompanyIdentifierExists(ctx context.Context, identifier string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(1) FROM companies WHERE identifier=?`, identifier)
}

func (s *Store) CompanyNameExists(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(1) FROM companies WHERE LOWER(name)=LOWER(?)`, name)
}

func (s *Store) CompanyPhoneExists(ctx context.Context, phone string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(1) FROM companies WHERE phone=?`, phone)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := s.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateAccount writes the company, its admin role, the owner and the
// owner's backup code hashes. Call it inside WithTx.
func (s *Store) CreateAccount(ctx context.Context, acct *models.NewAccount, now time.Time) error {
	now = ts(now)
	c := &acct.Company
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = now
	if _, err := s.exec(ctx,
		`INSERT INTO companies(id,identifier,name,full_name,short_name,country_code,phone,address,city,active,created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Identifier, c.Name, emptyAsNull(c.FullName), emptyAsNull(c.ShortName), c.CountryCode, c.Phone, emptyAsNull(c.Address), emptyAsNull(c.City), c.Active, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert company: %w", err)
	}

	r := &acct.Role
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CompanyID = &c.ID
	r.CreatedAt = now
	perms, err := json.Marshal(r.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	if _, err := s.exec(ctx,
		`INSERT INTO roles(id,company_id,name,permissions,created_at) VALUES(?,?,?,?,?)`,
		r.ID, c.ID, r.Name, string(perms), r.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert role: %w", err)
	}

	u := &acct.User
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CompanyID = c.ID
	u.RoleID = r.ID
	u.CreatedAt = now
	if _, err := s.exec(ctx,
		`INSERT INTO users(id,company_id,role_id,email,username,first_name,last_name,password_hash,totp_secret,two_factor_enabled,two_factor_setup_required,active,created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.CompanyID, u.RoleID, u.Email, u.Username, u.FirstName, u.LastName, u.PasswordHash, nullableString(u.TOTPSecret), u.TwoFactorEnabled, u.TwoFactorSetupRequired, u.Active, u.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if acct.ReserveUsername {
		if _, err := s.exec(ctx, `INSERT INTO instance_usernames(username,user_id) VALUES(?,?)`, u.Username, u.ID); err != nil {
			return fmt.Errorf("reserve username: %w", err)
		}
	}
	if acct.TOTPStep != nil {
		if _, err := s.exec(ctx, `UPDATE users SET totp_last_step=? WHERE id=?`, *acct.TOTPStep, u.ID); err != nil {
			return fmt.Errorf("record totp step: %w", err)
		}
	}

	for _, h := range acct.BackupCodes {
		if _, err := s.exec(ctx,
			`INSERT INTO backup_codes(id,user_id,code_hash,created_at) VALUES(?,?,?,?)`,
			uuid.NewString(), u.ID, h, now,
		); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return nil
}

func (s *Store) GetRoleByID(ctx context.Context, id string) (models.Role, error) {
	var r models.Role
	var companyID sql.NullString
	var perms string
	err := s.queryRow(ctx, `SELECT id,company_id,name,permissions,created_at FROM roles WHERE id=?`, id).
		Scan(&r.ID, &companyID, &r.Name, &perms, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Role{}, ErrNotFound
	}
	if err != nil {
		return models.Role{}, err
	}
	r.CompanyID = stringPtr(companyID)
	if perms != "" {
		if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
			return models.Role{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return r, nil
}

func emptyAsNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
