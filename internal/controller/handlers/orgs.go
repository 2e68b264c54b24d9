package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"runplane/internal/auth"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// Default per-environment concurrency ceilings. Production gets more
// headroom than a single developer's environment.
const (
	devConcurrencyLimit  = 10
	prodConcurrencyLimit = 100
)

// CreateOrg handles POST /api/v1/orgs. Creating an organization also
// creates its development and production environments and mints one API
// key per environment. The keys are returned here and never again; only
// their hashes are stored.
func (h *Handlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateOrgRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	org := &store.Organization{
		ID:        uuid.NewString(),
		Name:      req.Name,
		CreatedAt: time.Now(),
	}

	tx, err := h.db.BeginTx(ctx)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	defer tx.Rollback()

	if err := h.db.CreateOrganization(ctx, tx, org); err != nil {
		h.respondEngineError(w, r, err)
		return
	}

	envs := []struct {
		envType store.EnvironmentType
		prefix  string
		limit   int
	}{
		{store.EnvironmentTypeDevelopment, "dev", devConcurrencyLimit},
		{store.EnvironmentTypeProduction, "prod", prodConcurrencyLimit},
	}

	keys := make([]api.EnvironmentKeyInfo, 0, len(envs))
	for _, spec := range envs {
		env := &store.Environment{
			ID:               uuid.NewString(),
			OrgID:            org.ID,
			Type:             spec.envType,
			ConcurrencyLimit: spec.limit,
			CreatedAt:        time.Now(),
		}
		apiKey := auth.GenerateAPIKey(spec.prefix)
		if err := h.db.CreateEnvironment(ctx, tx, env, auth.HashKey(apiKey)); err != nil {
			h.respondEngineError(w, r, err)
			return
		}
		keys = append(keys, api.EnvironmentKeyInfo{
			EnvID:  env.ID,
			Type:   string(spec.envType),
			APIKey: apiKey,
		})
	}

	if err := tx.Commit(); err != nil {
		h.respondEngineError(w, r, err)
		return
	}

	h.log(r).InfoContext(ctx, "organization created", "org_id", org.ID, "name", org.Name)

	respondData(w, http.StatusCreated, api.CreateOrgResponse{
		OrgID:   org.ID,
		Name:    org.Name,
		EnvKeys: keys,
	})
}
