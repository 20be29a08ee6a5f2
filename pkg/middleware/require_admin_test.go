package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanlanch/rewardsledger/pkg/auth"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name       string
		userID     any
		role       any
		wantStatus int
		wantError  string
	}{
		{name: "Admin passes", userID: "usr_admin", role: auth.RoleAdmin, wantStatus: http.StatusOK},
		{name: "Member forbidden", userID: "usr_1", role: "member", wantStatus: http.StatusForbidden, wantError: "forbidden"},
		{name: "Missing role forbidden", userID: "usr_1", role: nil, wantStatus: http.StatusForbidden, wantError: "forbidden"},
		{name: "Unauthenticated", userID: nil, role: auth.RoleAdmin, wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil), rec)
			if tt.userID != nil {
				c.Set("user_id", tt.userID)
			}
			if tt.role != nil {
				c.Set("user_role", tt.role)
			}

			err := RequireAdmin()(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				var body models.ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantError, body.Error)
			}
		})
	}
}
