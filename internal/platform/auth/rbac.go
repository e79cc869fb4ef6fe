package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Role names used by the examination API.
const (
	RoleAdmin       = "admin"
	RoleDoctor      = "doctor"
	RoleClinicAdmin = "clinic_admin"
	RoleAIService   = "ai_service"
)

// HasRole reports whether roles contains one of required. Admin satisfies
// every check.
func HasRole(roles []string, required ...string) bool {
	for _, has := range roles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if strings.EqualFold(has, r) {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// CanAccessClinic reports whether the caller on ctx may act on clinicID.
// Admins reach every clinic. A token bound to a clinic reaches only that
// clinic. Unbound tokens are limited to the AI service, which scores images
// for all clinics.
func CanAccessClinic(ctx context.Context, clinicID string) bool {
	roles := RolesFromContext(ctx)
	if HasRole(roles, RoleAdmin) {
		return true
	}
	if own := ClinicIDFromContext(ctx); own != "" {
		return strings.EqualFold(own, clinicID)
	}
	return HasRole(roles, RoleAIService)
}
