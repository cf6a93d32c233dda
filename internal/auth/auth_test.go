package auth_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/ddosguard/internal/auth"
)

const testIssuer = "https://ddosguard.local"

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newIssuer(t *testing.T, ttl time.Duration) *auth.TokenIssuer {
	t.Helper()
	ti, err := auth.NewTokenIssuer(testKey, testIssuer, ttl)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestNewTokenIssuer_shortKey(t *testing.T) {
	if _, err := auth.NewTokenIssuer([]byte("short"), testIssuer, 0); err == nil {
		t.Error("expected error for short signing key")
	}
}

func TestIssueAndVerify(t *testing.T) {
	ti := newIssuer(t, time.Hour)

	token, exp, err := ti.IssueAdminToken("")
	if err != nil {
		t.Fatalf("IssueAdminToken() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("expiry too soon: %v", exp)
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Role != auth.RoleAdmin {
		t.Errorf("Role: got %q, want admin", claims.Role)
	}
	if claims.ID == "" {
		t.Error("expected a token ID")
	}
}

func TestVerify_expired(t *testing.T) {
	ti := newIssuer(t, time.Nanosecond)
	token, _, err := ti.IssueAdminToken("ops")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestVerify_wrongIssuerOrKey(t *testing.T) {
	token, _, err := newIssuer(t, time.Hour).IssueAdminToken("ops")
	if err != nil {
		t.Fatal(err)
	}

	other, _ := auth.NewTokenIssuer(testKey, "https://elsewhere", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("expected issuer mismatch to fail")
	}

	rekeyed, _ := auth.NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), testIssuer, time.Hour)
	if _, err := rekeyed.Verify(token); err == nil {
		t.Error("expected signature mismatch to fail")
	}
}

func TestCheckSecret(t *testing.T) {
	if err := auth.CheckSecret("s3cret", "", "s3cret"); err != nil {
		t.Errorf("plain match: %v", err)
	}
	if err := auth.CheckSecret("s3cret", "", "nope"); !errors.Is(err, auth.ErrBadSecret) {
		t.Errorf("plain mismatch: got %v", err)
	}
	if err := auth.CheckSecret("", "", ""); !errors.Is(err, auth.ErrBadSecret) {
		t.Errorf("unconfigured secret must never match: got %v", err)
	}

	hash, err := auth.HashSecret("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := auth.CheckSecret("ignored", hash, "hunter2"); err != nil {
		t.Errorf("bcrypt match: %v", err)
	}
	if err := auth.CheckSecret("ignored", hash, "ignored"); !errors.Is(err, auth.ErrBadSecret) {
		t.Errorf("bcrypt must take precedence over plain: got %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newIssuer(t, time.Hour)
	token, _, _ := ti.IssueAdminToken("ops")

	r := gin.New()
	r.GET("/admin", auth.RequireAdmin(ti), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sub": auth.ClaimsFromCtx(c).Subject})
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}
