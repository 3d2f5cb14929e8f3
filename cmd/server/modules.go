package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/handlers"
	"github.com/fsroute/fsroute/internal/middlewares"
	"github.com/fsroute/fsroute/internal/router"
)

// maxSlowDelay caps the demo endpoint that exercises the request timeout
const maxSlowDelay = time.Minute

type user struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// userStore is shared by every worker of the process
type userStore struct {
	mu    sync.RWMutex
	users map[string]user
}

func newUserStore() *userStore {
	return &userStore{users: make(map[string]user)}
}

func (s *userStore) list() []user {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]user, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *userStore) get(id string) (user, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *userStore) add(u user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *userStore) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[id]
	delete(s.users, id)
	return ok
}

// demoModules binds the files of the bundled routes tree to their code
func demoModules(logger *slog.Logger, version string) *router.ModuleRegistry {
	store := newUserStore()
	mods := router.NewModuleRegistry()

	mods.Middleware("", router.Module{
		Before: []handlers.Hook{
			func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) (bool, error) {
				w.Header().Set("X-Powered-By", "fsroute")
				return true, nil
			},
		},
		OnError: []handlers.Hook{
			func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) (bool, error) {
				if errors.Is(rc.Err(), middlewares.ErrHalted) {
					// CORS preflights and rate-limited clients
					logger.Debug("request halted", "request_id", rc.ID, "path", r.URL.Path)
					return true, nil
				}
				logger.Error("request failed",
					"request_id", rc.ID,
					"phase", string(rc.ErrPhase()),
					"error", rc.Err(),
				)
				return true, nil
			},
		},
	})

	mods.Route("", router.Module{
		Default: func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
			return config.RespondJSON(w, http.StatusOK, map[string]string{
				"name":    "fsroute",
				"version": version,
			})
		},
	})

	mods.Middleware("api", router.Module{
		Before: []handlers.Hook{requireJSON},
	})

	mods.Route("api/users", router.Module{
		Methods: map[string][]handlers.Handler{
			http.MethodGet: {func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
				return config.RespondJSON(w, http.StatusOK, store.list())
			}},
			http.MethodPost: {func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
				var in struct {
					Name  string `json:"name"`
					Email string `json:"email"`
				}
				if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
					config.RespondError(w, http.StatusBadRequest, "invalid JSON body")
					return nil
				}
				if in.Name == "" {
					config.RespondError(w, http.StatusUnprocessableEntity, "name is required")
					return nil
				}
				u := user{ID: uuid.NewString(), Name: in.Name, Email: in.Email, CreatedAt: time.Now().UTC()}
				store.add(u)
				w.Header().Set("Location", "/api/users/"+u.ID)
				return config.RespondJSON(w, http.StatusCreated, u)
			}},
		},
	})

	mods.Route("api/users/[id]", router.Module{
		Methods: map[string][]handlers.Handler{
			http.MethodGet: {func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
				u, ok := store.get(rc.Param("id"))
				if !ok {
					config.RespondError(w, http.StatusNotFound, "user not found")
					return nil
				}
				return config.RespondJSON(w, http.StatusOK, u)
			}},
			http.MethodDelete: {func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
				if !store.remove(rc.Param("id")) {
					config.RespondError(w, http.StatusNotFound, "user not found")
					return nil
				}
				w.WriteHeader(http.StatusNoContent)
				return nil
			}},
		},
	})

	mods.Route("files/[...path]", router.Module{
		Default: func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
			return config.RespondJSON(w, http.StatusOK, map[string]string{"path": rc.Param("path")})
		},
	})

	mods.Route("docs/[page?]", router.Module{
		Default: func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
			page := rc.Param("page")
			if page == "" {
				page = "index"
			}
			return config.RespondJSON(w, http.StatusOK, map[string]string{"page": page})
		},
	})

	mods.Route("slow", router.Module{
		Default: func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
			ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
			delay := min(time.Duration(ms)*time.Millisecond, maxSlowDelay)
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return r.Context().Err()
			}
			return config.RespondJSON(w, http.StatusOK, map[string]string{"slept": delay.String()})
		},
	})

	mods.Route("boom", router.Module{
		Default: func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
			return errors.New("boom")
		},
	})

	return mods
}

// requireJSON rejects write requests that do not carry a JSON body
func requireJSON(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) (bool, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return true, nil
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		config.RespondError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false, nil
	}
	return true, nil
}
