package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/database"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/server"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "tauth"
	jsonContentType      = "application/json"
)

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(context.Context, string) (auth.GoogleClaims, error) {
	return auth.GoogleClaims{}, errors.New("google sign-in disabled")
}

func TestSessionCookieEngagementFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		testContext.Fatalf("failed to load schemas: %v", err)
	}
	store, err := docstore.NewSQLStore(db, docstore.Config{
		Validator:    registry,
		UniqueFields: []docstore.UniqueField{{Collection: users.CollectionUsers, Field: users.FieldUsernameKey}},
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("backend-secret"),
		Issuer:        "murmur-auth",
		Audience:      "murmur-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier:   rejectingVerifier{},
		TokenManager:     tokenIssuer,
		SessionValidator: sessionValidator,
		Store:            store,
		Users:            userService,
		HeartbeatPeriod:  time.Hour,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	now := time.Now()
	authorCookie := &http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(testContext, sessionSigningSecret, "tauth:author-1", "Grace", now)}
	readerCookie := &http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(testContext, sessionSigningSecret, "tauth:reader-1", "Linus", now)}

	var author struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if status := doWithCookie(testContext, testServer.URL, http.MethodGet, "/me", authorCookie, nil, &author); status != http.StatusOK {
		testContext.Fatalf("unexpected /me status: %d", status)
	}
	if author.ID == "" || author.Username != "Grace" {
		testContext.Fatalf("expected profile created from session claims, got %#v", author)
	}

	var created struct {
		Post struct {
			ID  string `json:"id"`
			UID string `json:"uid"`
		} `json:"post"`
	}
	if status := doWithCookie(testContext, testServer.URL, http.MethodPost, "/posts", authorCookie, map[string]any{"text": "cookies are fine"}, &created); status != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d", status)
	}
	if created.Post.UID != author.ID {
		testContext.Fatalf("expected post to belong to session user, got %#v", created.Post)
	}

	var commented struct {
		Post struct {
			Comments []struct {
				Username string `json:"username"`
				Text     string `json:"text"`
			} `json:"comments"`
		} `json:"post"`
	}
	if status := doWithCookie(testContext, testServer.URL, http.MethodPost, "/posts/"+created.Post.ID+"/comments", readerCookie, map[string]any{"text": "agreed"}, &commented); status != http.StatusCreated {
		testContext.Fatalf("unexpected comment status: %d", status)
	}
	if len(commented.Post.Comments) != 1 || commented.Post.Comments[0].Username != "Linus" {
		testContext.Fatalf("expected reader comment, got %#v", commented.Post.Comments)
	}

	var inbox struct {
		Notifications []struct {
			Type     string `json:"type"`
			FromUser struct {
				Username string `json:"username"`
			} `json:"fromUser"`
		} `json:"notifications"`
	}
	if status := doWithCookie(testContext, testServer.URL, http.MethodGet, "/notifications", authorCookie, nil, &inbox); status != http.StatusOK {
		testContext.Fatalf("unexpected notifications status: %d", status)
	}
	if len(inbox.Notifications) != 1 || inbox.Notifications[0].Type != "comment" || inbox.Notifications[0].FromUser.Username != "Linus" {
		testContext.Fatalf("expected comment notification from Linus, got %#v", inbox.Notifications)
	}

	expiredCookie := &http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(testContext, sessionSigningSecret, "tauth:author-1", "Grace", now.Add(-2*time.Hour))}
	if status := doWithCookie(testContext, testServer.URL, http.MethodGet, "/feed", expiredCookie, nil, nil); status != http.StatusUnauthorized {
		testContext.Fatalf("expected expired session to be rejected, got %d", status)
	}
}

func doWithCookie(testContext *testing.T, baseURL, method, path string, cookie *http.Cookie, body any, target any) int {
	testContext.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			testContext.Fatalf("failed to encode request: %v", err)
		}
	}
	request, err := http.NewRequest(method, baseURL+path, &payload)
	if err != nil {
		testContext.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.AddCookie(cookie)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			testContext.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func mustMintSessionToken(testContext *testing.T, signingSecret, userID, displayName string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
