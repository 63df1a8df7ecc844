package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/database"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/engagement"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// stubVerifier accepts any ID token and treats its text as the Google subject and name.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (auth.GoogleClaims, error) {
	return auth.GoogleClaims{
		Subject:       "google-" + token,
		Email:         token + "@example.com",
		EmailVerified: true,
		Name:          token,
	}, nil
}

type testEnvironment struct {
	server *httptest.Server
	store  docstore.Store
	users  *users.Service
	issuer *auth.TokenIssuer
}

type loggedInUser struct {
	id    string
	token string
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("failed to load schemas: %v", err)
	}
	store, err := docstore.NewSQLStore(db, docstore.Config{
		Validator:    registry,
		UniqueFields: []docstore.UniqueField{{Collection: users.CollectionUsers, Field: users.FieldUsernameKey}},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "murmur-auth",
		Audience:      "murmur-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		GoogleVerifier:  stubVerifier{},
		TokenManager:    issuer,
		Store:           store,
		Users:           userService,
		Synchronizer:    engagement.Config{RemoteTimeout: 2 * time.Second, FollowRetryBackoff: -1},
		HeartbeatPeriod: time.Hour,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnvironment{server: server, store: store, users: userService, issuer: issuer}
}

func (env *testEnvironment) login(t *testing.T, name string) loggedInUser {
	t.Helper()
	var response authResponsePayload
	status := env.do(t, http.MethodPost, "/auth/google", "", map[string]string{"id_token": name}, &response)
	if status != http.StatusOK {
		t.Fatalf("login for %s failed with status %d", name, status)
	}
	if response.AccessToken == "" || response.User.ID == "" {
		t.Fatalf("login for %s returned incomplete payload: %+v", name, response)
	}
	return loggedInUser{id: response.User.ID, token: response.AccessToken}
}

// do issues a JSON request and decodes the response into target when it is non-nil.
func (env *testEnvironment) do(t *testing.T, method, path, token string, body any, target any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
	}
	request, err := http.NewRequest(method, env.server.URL+path, &payload)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil && response.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}
