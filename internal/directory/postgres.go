package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDirectory reads the users table owned by the profile service.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const userColumns = `id, full_name, COALESCE(profile_picture, ''), passout_year,
	COALESCE(current_company, ''), COALESCE(current_location, '')`

// Get implements Directory.
func (d *PostgresDirectory) Get(ctx context.Context, id string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var u User
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.FullName, &u.ProfilePicture, &u.PassoutYear, &u.CurrentCompany, &u.CurrentLocation,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: get %s: %w", id, err)
	}
	return u, nil
}

// All implements Directory.
func (d *PostgresDirectory) All(ctx context.Context) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY lower(full_name), id`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.FullName, &u.ProfilePicture, &u.PassoutYear, &u.CurrentCompany, &u.CurrentLocation); err != nil {
			return nil, fmt.Errorf("directory: scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}

	// lower() in SQL and strings.ToLower can disagree on collation; keep the
	// snapshot in the same order the index ranks by.
	byName(users)
	return users, nil
}
