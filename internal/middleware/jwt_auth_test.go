package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubTokens struct {
	userID uuid.UUID
	admin  bool
	err    error
}

func (s *stubTokens) ValidateToken(_ context.Context, _ string) (uuid.UUID, bool, error) {
	return s.userID, s.admin, s.err
}

type stubUsers struct {
	user *models.User
	err  error
}

func (s *stubUsers) GetUser(_ context.Context, _ uuid.UUID) (*models.User, error) {
	return s.user, s.err
}

// okHandler writes 200 and the user email (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	u := UserFromCtx(r.Context())
	if u != nil {
		w.Write([]byte(u.Email))
	}
	w.WriteHeader(http.StatusOK)
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestJWTAuth_ValidToken(t *testing.T) {
	user := &models.User{ID: uuid.New(), Email: "test@example.com"}
	mw := JWTAuth(&stubTokens{userID: user.ID}, &stubUsers{user: user})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != user.Email {
		t.Errorf("expected user email %q in body, got %q", user.Email, body)
	}
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	mw := JWTAuth(&stubTokens{}, &stubUsers{})(okHandler)

	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	mw := JWTAuth(&stubTokens{err: errors.New("token expired")}, &stubUsers{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJWTAuth_DeletedUserRejected(t *testing.T) {
	// Token validates but the user row is gone.
	mw := JWTAuth(&stubTokens{userID: uuid.New()}, &stubUsers{err: errors.New("no rows")})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer orphan-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mw := RequireAdmin(next)

	cases := []struct {
		name string
		user *models.User
		want int
	}{
		{"admin passes", &models.User{ID: uuid.New(), IsAdmin: true}, http.StatusOK},
		{"regular user forbidden", &models.User{ID: uuid.New()}, http.StatusForbidden},
		{"no user forbidden", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/payouts", nil)
			if tc.user != nil {
				req = req.WithContext(WithUser(req.Context(), tc.user))
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
