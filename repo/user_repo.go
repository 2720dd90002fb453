package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guillem2121/userstore/db"
	"github.com/guillem2121/userstore/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// UserRepository interface: for mocking in tests
// ─────────────────────────────────────────────────────────────────────────────

// UserRepository defines the single-statement operations on the users table.
// Lookups report absence through their bool result; the error is reserved for
// store failures.
type UserRepository interface {
	Insert(ctx context.Context, params models.CreateUserParams) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, bool, error)
	FindByEmail(ctx context.Context, email string) (*models.User, bool, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	FindByDepartment(ctx context.Context, department string) ([]*models.User, error)
	Search(ctx context.Context, q models.UserQuery) ([]*models.User, error)
	Update(ctx context.Context, id int64, params models.UpdateUserParams) (*models.User, error)
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
	CountByDepartment(ctx context.Context, department string) (int64, error)
}

const (
	// DefaultSearchLimit applies when UserQuery.Limit is zero.
	DefaultSearchLimit = 10
	// MaxSearchLimit caps UserQuery.Limit.
	MaxSearchLimit = 100
)

// ─────────────────────────────────────────────────────────────────────────────
// userRepo: concrete implementation
// ─────────────────────────────────────────────────────────────────────────────

// userRepo is the production implementation backed by a db.Querier.
type userRepo struct {
	q       db.Querier
	dialect db.Dialect
}

// NewUserRepo returns a UserRepository backed by q.
// q can be a *db.DB, *db.Tx or *db.Conn; all satisfy db.Querier and report
// the dialect the SQL is rebound for.
func NewUserRepo(q db.Querier) UserRepository {
	r := &userRepo{q: q, dialect: db.DialectPostgres}
	if d, ok := q.(interface{ Dialect() db.Dialect }); ok {
		r.dialect = d.Dialect()
	}
	return r
}

// ─────────────────────────────────────────────────────────────────────────────
// SQL constants: all SQL is explicit, version-controlled, and reviewable.
// Placeholders are written $N and rebound per dialect.
// ─────────────────────────────────────────────────────────────────────────────

const userColumns = `id, name, email, department, role, active, created_at, updated_at`

const (
	sqlInsertUser = `
		INSERT INTO users (name, email, department, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlReturningUser = `
		RETURNING ` + userColumns

	sqlGetUserByID = `
		SELECT ` + userColumns + `
		FROM   users
		WHERE  id = $1
		LIMIT  1`

	sqlGetUserByEmail = `
		SELECT ` + userColumns + `
		FROM   users
		WHERE  email = $1
		LIMIT  1`

	sqlListUsers = `
		SELECT ` + userColumns + `
		FROM   users
		ORDER  BY created_at DESC, id DESC
		LIMIT  $1 OFFSET $2`

	sqlUsersByDepartment = `
		SELECT ` + userColumns + `
		FROM   users
		WHERE  department = $1
		ORDER  BY id`

	sqlDeleteUser = `
		DELETE FROM users WHERE id = $1`

	sqlCountUsers = `
		SELECT COUNT(*) FROM users`

	sqlCountActiveByDepartment = `
		SELECT COUNT(*) FROM users WHERE department = $1 AND active = $2`
)

func (r *userRepo) sql(query string) string { return db.Rebind(r.dialect, query) }

// returning reports whether the dialect can hand back rows from INSERT and
// UPDATE. MySQL cannot, so those paths re-read the row by id.
func (r *userRepo) returning() bool { return r.dialect != db.DialectMySQL }

// ─────────────────────────────────────────────────────────────────────────────
// Insert
// ─────────────────────────────────────────────────────────────────────────────

// Insert creates a new, active user and returns the persisted record including
// the database-assigned id and timestamps. A taken email yields an error
// matching db.ErrDuplicateKey.
func (r *userRepo) Insert(ctx context.Context, params models.CreateUserParams) (*models.User, error) {
	now := time.Now().UTC()
	args := []any{params.Name, params.Email, params.Department, params.Role, true, now, now}

	if r.returning() {
		u, err := scanUser(r.q.QueryRow(ctx, r.sql(sqlInsertUser+sqlReturningUser), args...))
		if err != nil {
			return nil, insertErr(params.Email, err)
		}
		return u, nil
	}

	res, err := r.q.Exec(ctx, r.sql(sqlInsertUser), args...)
	if err != nil {
		return nil, insertErr(params.Email, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("repo/user: insert: generated id: %w", err)
	}
	u, ok, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("repo/user: insert: row %d vanished: %w", id, db.ErrNotFound)
	}
	return u, nil
}

func insertErr(email string, err error) error {
	if db.IsDuplicateKey(err) {
		return fmt.Errorf("repo/user: email %q already registered: %w", email, err)
	}
	return fmt.Errorf("repo/user: insert: %w", err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Lookups
// ─────────────────────────────────────────────────────────────────────────────

// FindByID returns a single user by primary key. ok is false when no record
// matches.
func (r *userRepo) FindByID(ctx context.Context, id int64) (*models.User, bool, error) {
	return findOne(scanUser(r.q.QueryRow(ctx, r.sql(sqlGetUserByID), id)))
}

// FindByEmail looks up a user by their unique email address. ok is false when
// no record matches.
func (r *userRepo) FindByEmail(ctx context.Context, email string) (*models.User, bool, error) {
	return findOne(scanUser(r.q.QueryRow(ctx, r.sql(sqlGetUserByEmail), email)))
}

func findOne(u *models.User, err error) (*models.User, bool, error) {
	if db.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// List returns a page of users, newest first.
func (r *userRepo) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	return r.queryUsers(ctx, r.sql(sqlListUsers), limit, offset)
}

// FindByDepartment returns every user of department, active or not.
func (r *userRepo) FindByDepartment(ctx context.Context, department string) ([]*models.User, error) {
	return r.queryUsers(ctx, r.sql(sqlUsersByDepartment), department)
}

// ─────────────────────────────────────────────────────────────────────────────
// Search: explicit dynamic WHERE construction
// ─────────────────────────────────────────────────────────────────────────────

// Search returns users matching every set filter of q, ordered by id.
// Limit defaults to DefaultSearchLimit and is capped at MaxSearchLimit.
func (r *userRepo) Search(ctx context.Context, q models.UserQuery) ([]*models.User, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 7)
	next := func() int { return len(args) + 1 }

	if q.Name != "" {
		where = append(where, fmt.Sprintf("LOWER(name) LIKE $%d", next()))
		args = append(args, containsPattern(q.Name))
	}
	if q.Email != "" {
		where = append(where, fmt.Sprintf("LOWER(email) LIKE $%d", next()))
		args = append(args, containsPattern(q.Email))
	}
	if q.Department != "" {
		where = append(where, fmt.Sprintf("department = $%d", next()))
		args = append(args, q.Department)
	}
	if q.Role != "" {
		where = append(where, fmt.Sprintf("role = $%d", next()))
		args = append(args, q.Role)
	}
	if q.Active != nil {
		where = append(where, fmt.Sprintf("active = $%d", next()))
		args = append(args, *q.Active)
	}

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	offset := max(q.Offset, 0)

	var b strings.Builder
	b.WriteString("SELECT " + userColumns + " FROM users")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY id LIMIT $%d", next())
	args = append(args, limit)
	fmt.Fprintf(&b, " OFFSET $%d", next())
	args = append(args, offset)

	return r.queryUsers(ctx, r.sql(b.String()), args...)
}

func containsPattern(s string) string {
	return "%" + strings.ToLower(s) + "%"
}

// ─────────────────────────────────────────────────────────────────────────────
// Update: partial update with explicit SQL construction
// ─────────────────────────────────────────────────────────────────────────────

// Update applies a partial update to a user record. Only fields with non-nil
// pointers in params are written, plus updated_at. An empty update returns the
// current row. A missing user yields db.ErrNotFound.
func (r *userRepo) Update(ctx context.Context, id int64, params models.UpdateUserParams) (*models.User, error) {
	if params.Empty() {
		u, ok, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("repo/user: update %d: %w", id, db.ErrNotFound)
		}
		return u, nil
	}

	setClauses := make([]string, 0, 6)
	args := make([]any, 0, 7)
	set := func(column string, v any) {
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Name != nil {
		set("name", *params.Name)
	}
	if params.Email != nil {
		set("email", *params.Email)
	}
	if params.Department != nil {
		set("department", *params.Department)
	}
	if params.Role != nil {
		set("role", *params.Role)
	}
	if params.Active != nil {
		set("active", *params.Active)
	}
	set("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE users
		SET    %s
		WHERE  id = $%d`,
		strings.Join(setClauses, ", "), len(args))

	if r.returning() {
		u, err := scanUser(r.q.QueryRow(ctx, r.sql(query+sqlReturningUser), args...))
		if err != nil {
			return nil, updateErr(id, params, err)
		}
		return u, nil
	}

	res, err := r.q.Exec(ctx, r.sql(query), args...)
	if err != nil {
		return nil, updateErr(id, params, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("repo/user: update %d: %w", id, db.ErrNotFound)
	}
	u, ok, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("repo/user: update %d: %w", id, db.ErrNotFound)
	}
	return u, nil
}

func updateErr(id int64, params models.UpdateUserParams, err error) error {
	if db.IsDuplicateKey(err) && params.Email != nil {
		return fmt.Errorf("repo/user: email %q already registered: %w", *params.Email, err)
	}
	return fmt.Errorf("repo/user: update %d: %w", id, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Delete
// ─────────────────────────────────────────────────────────────────────────────

// Delete removes a user by id.
// Returns db.ErrNotFound if no row was deleted.
func (r *userRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.q.Exec(ctx, r.sql(sqlDeleteUser), id)
	if err != nil {
		return fmt.Errorf("repo/user: delete %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo/user: delete %d: %w", id, err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Counts
// ─────────────────────────────────────────────────────────────────────────────

// Count returns the total number of users.
func (r *userRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRow(ctx, r.sql(sqlCountUsers)).Scan(&n); err != nil {
		return 0, fmt.Errorf("repo/user: count: %w", err)
	}
	return n, nil
}

// CountByDepartment returns the number of active users in department.
func (r *userRepo) CountByDepartment(ctx context.Context, department string) (int64, error) {
	var n int64
	if err := r.q.QueryRow(ctx, r.sql(sqlCountActiveByDepartment), department, true).Scan(&n); err != nil {
		return 0, fmt.Errorf("repo/user: count department %q: %w", department, err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Row mapping
// ─────────────────────────────────────────────────────────────────────────────

func (r *userRepo) queryUsers(ctx context.Context, query string, args ...any) ([]*models.User, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repo/user: query: %w", err)
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo/user: rows: %w", err)
	}
	return users, nil
}

// scanner is satisfied by *db.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanUser scans a single user row in userColumns order. Centralising the
// scan call means that adding/removing columns only requires a change in one
// place.
func scanUser(row scanner) (*models.User, error) {
	u := &models.User{}
	var active bool
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Department, &u.Role, &active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repo/user: %w", err)
	}
	u.Active = &active
	return u, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Compile-time interface assertion
// ─────────────────────────────────────────────────────────────────────────────

var _ UserRepository = (*userRepo)(nil)
