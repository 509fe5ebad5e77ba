package middleware

// identity.go holds the context keys written by JWTAuth and the helpers
// that read them back.

import (
    "strconv"

    "github.com/golang-jwt/jwt/v5"
    "github.com/labstack/echo/v4"
)

const (
    userIDKey = "user_id"
    roleKey   = "role"
)

// Roles carried in the "role" claim.
const (
    RoleOrganizer = "ORGANIZER"
    RoleCustomer  = "CUSTOMER"
)

// UserID returns the authenticated user of the request.
func UserID(c echo.Context) (uint64, bool) {
    id, ok := c.Get(userIDKey).(uint64)
    return id, ok && id != 0
}

// Role returns the role claim of the authenticated user, upper-cased.
func Role(c echo.Context) string {
    r, _ := c.Get(roleKey).(string)
    return r
}

// userKey identifies the caller for rate limiting; "anon" when the
// request is not authenticated.
func userKey(c echo.Context) string {
    if id, ok := UserID(c); ok {
        return strconv.FormatUint(id, 10)
    }
    return "anon"
}

// subject reads the numeric user ID from the "sub" claim, which issuers
// encode either as a JSON number or a decimal string.
func subject(claims jwt.MapClaims) (uint64, bool) {
    switch v := claims["sub"].(type) {
    case float64:
        if v <= 0 || v != float64(uint64(v)) {
            return 0, false
        }
        return uint64(v), true
    case string:
        n, err := strconv.ParseUint(v, 10, 64)
        return n, err == nil && n != 0
    }
    return 0, false
}
