package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"sms-receive/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "caller", role))
		}
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	cases := []struct {
		name    string
		role    string
		allowed []string
		want    int
	}{
		{"admin bypasses", RoleAdmin, []string{RoleProvisioner}, http.StatusOK},
		{"allowed role", RoleProvisioner, []string{RoleProvisioner}, http.StatusOK},
		{"operator denied on writes", RoleOperator, []string{RoleProvisioner}, http.StatusForbidden},
		{"unknown role", "super_admin", []string{"super_admin"}, http.StatusForbidden},
		{"no identity", "", []string{RoleOperator}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serveAs(tc.role, tc.allowed...); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}
