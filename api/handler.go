// Package api exposes the user store over HTTP.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/guillem2121/userstore/db"
	"github.com/guillem2121/userstore/repo"
)

type Handler struct {
	validate   *validator.Validate
	translator ut.Translator
	logger     *slog.Logger

	db     *db.DB
	users  repo.UserRepository
	writer *repo.BatchWriter
	stats  *db.QueryStats

	Mux *chi.Mux
}

// NewHandler wires the HTTP layer. stats may be nil when no metrics hook is
// installed; logger defaults to slog.Default().
func NewHandler(d *db.DB, users repo.UserRepository, writer *repo.BatchWriter, stats *db.QueryStats, logger *slog.Logger) (*Handler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	en := en.New()
	uni := ut.New(en, en)
	trans, _ := uni.GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = &db.QueryStats{}
	}

	return &Handler{
		validate:   validate,
		translator: trans,
		logger:     logger,

		db:     d,
		users:  users,
		writer: writer,
		stats:  stats,

		Mux: chi.NewRouter(),
	}, nil
}

func (h *Handler) RegisterRoutes() {
	h.Mux.Use(middleware.RequestID)
	h.Mux.Use(h.requestLogger)
	h.Mux.Use(middleware.Recoverer)

	h.Mux.Get("/health", h.Health)

	h.Mux.Route("/users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.Post("/", h.CreateUser)
		r.Get("/search", h.SearchUsers)
		r.Get("/count", h.CountUsers)
		r.Post("/batch", h.BatchInsertUsers)
		r.Post("/transfer", h.TransferUsers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Patch("/", h.UpdateUser)
			r.Delete("/", h.DeleteUser)
		})
	})

	h.Mux.Get("/departments/{department}/users", h.GetDepartmentUsers)

	h.Mux.Route("/db", func(r chi.Router) {
		r.Get("/info", h.GetDBInfo)
		r.Get("/tables/{table}/columns", h.GetTableColumns)
		r.Get("/stats", h.GetQueryStats)
	})
}
