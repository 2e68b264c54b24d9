package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"runplane/internal/auth"
	"runplane/pkg/api"
)

func TestCreateOrg_Success(t *testing.T) {
	h, ms := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.CreateOrg(rec, jsonRequest(http.MethodPost, "/api/v1/orgs", api.CreateOrgRequest{Name: "acme"}, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope[api.CreateOrgResponse](t, rec)
	if !env.Success {
		t.Fatalf("success: got false, error %q", env.Error)
	}
	resp := env.Data
	if resp.Name != "acme" || resp.OrgID == "" {
		t.Errorf("unexpected org: %+v", resp)
	}
	if len(resp.EnvKeys) != 2 {
		t.Fatalf("got %d env keys, want 2", len(resp.EnvKeys))
	}

	types := map[string]string{}
	for _, key := range resp.EnvKeys {
		types[key.Type] = key.APIKey
	}
	if !strings.HasPrefix(types["development"], "rp_dev_") {
		t.Errorf("development key %q lacks rp_dev_ prefix", types["development"])
	}
	if !strings.HasPrefix(types["production"], "rp_prod_") {
		t.Errorf("production key %q lacks rp_prod_ prefix", types["production"])
	}

	// Only hashes are stored, and they authenticate.
	for _, key := range resp.EnvKeys {
		stored, err := ms.GetEnvironmentByAPIKeyHash(context.Background(), auth.HashKey(key.APIKey))
		if err != nil {
			t.Fatalf("lookup by key hash: %v", err)
		}
		if stored.ID != key.EnvID {
			t.Errorf("hash resolves to env %s, want %s", stored.ID, key.EnvID)
		}
	}

	if len(ms.orgs) != 1 {
		t.Errorf("stored %d orgs, want 1", len(ms.orgs))
	}
}

func TestCreateOrg_MissingName(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.CreateOrg(rec, jsonRequest(http.MethodPost, "/api/v1/orgs", api.CreateOrgRequest{}, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestCreateOrg_InvalidBody(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orgs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.CreateOrg(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	env := decodeEnvelope[any](t, rec)
	if env.Success {
		t.Error("success: got true, want false")
	}
}
