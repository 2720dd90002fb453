package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guillem2121/userstore/models"
	"github.com/guillem2121/userstore/repo"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func userID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	users, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "users listed", users)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserParams
	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	user, err := h.users.Insert(r.Context(), req)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusCreated, "user created", user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	user, ok, err := h.users.FindByID(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if !ok {
		h.errorResponse(w, r, http.StatusNotFound, "user not found")
		return
	}
	h.successResponse(w, r, http.StatusOK, "user found", user)
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	var req models.UpdateUserParams
	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	user, err := h.users.Update(r.Context(), id, req)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "user updated", user)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "user deleted", nil)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.UserQuery{
		Name:       q.Get("name"),
		Email:      q.Get("email"),
		Department: q.Get("department"),
		Role:       q.Get("role"),
	}

	var err error
	if query.Active, err = queryBool(r, "active"); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if query.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if query.Offset, err = queryInt(r, "offset", 0); err != nil {
		h.badRequest(w, r, err)
		return
	}

	users, err := h.users.Search(r.Context(), query)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "search completed", users)
}

func (h *Handler) CountUsers(w http.ResponseWriter, r *http.Request) {
	var (
		n   int64
		err error
	)
	department := r.URL.Query().Get("department")
	if department != "" {
		n, err = h.users.CountByDepartment(r.Context(), department)
	} else {
		n, err = h.users.Count(r.Context())
	}
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "users counted", map[string]int64{"count": n})
}

func (h *Handler) GetDepartmentUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.FindByDepartment(r.Context(), chi.URLParam(r, "department"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "department users listed", users)
}

// ─────────────────────────────────────────────────────────────────────────────
// Bulk writes
// ─────────────────────────────────────────────────────────────────────────────

type bulkUser struct {
	Name       string     `json:"name" validate:"required,max=100"`
	Email      string     `json:"email" validate:"required,email,max=255"`
	Department string     `json:"department" validate:"max=50"`
	Role       string     `json:"role" validate:"max=50"`
	Active     *bool      `json:"active"`
	CreatedAt  *time.Time `json:"created_at"`
}

type bulkRequest struct {
	Users []bulkUser `json:"users" validate:"max=1000,dive"`
}

func (req bulkRequest) toUsers() []models.User {
	users := make([]models.User, len(req.Users))
	for i, u := range req.Users {
		users[i] = models.User{
			Name:       u.Name,
			Email:      u.Email,
			Department: u.Department,
			Role:       u.Role,
			Active:     u.Active,
		}
		if u.CreatedAt != nil {
			users[i].CreatedAt = u.CreatedAt.UTC()
		}
	}
	return users
}

type bulkResult struct {
	Requested int `json:"requested"`
	Inserted  int `json:"inserted"`
}

func (h *Handler) readBulk(w http.ResponseWriter, r *http.Request) ([]models.User, bool) {
	var req bulkRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return nil, false
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return nil, false
	}
	return req.toUsers(), true
}

func (h *Handler) BatchInsertUsers(w http.ResponseWriter, r *http.Request) {
	h.bulkWrite(w, r, "batch insert committed", h.writer.BatchInsert)
}

func (h *Handler) TransferUsers(w http.ResponseWriter, r *http.Request) {
	h.bulkWrite(w, r, "transfer committed", h.writer.TransferUsers)
}

func (h *Handler) bulkWrite(w http.ResponseWriter, r *http.Request, msg string, write func(context.Context, []models.User) (int, error)) {
	users, ok := h.readBulk(w, r)
	if !ok {
		return
	}

	n, err := write(r.Context(), users)
	if err != nil {
		if repo.IsRollback(err) {
			h.internalServerError(w, r, err)
			return
		}
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusCreated, msg, bulkResult{Requested: len(users), Inserted: n})
}
