package middleware

import (
    "bytes"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "io"
    "net/http"
    "strings"

    "github.com/labstack/echo/v4"
)

// SignatureHeader carries "sha256=<hex HMAC of the raw body>".
const SignatureHeader = "X-Signature"

const maxWebhookBody = 64 << 10

// VerifySignature rejects webhook deliveries whose body was not signed
// with secret.  The body is restored for the handler.
func VerifySignature(secret string) echo.MiddlewareFunc {
    key := []byte(secret)
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if len(key) == 0 {
                return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhooks disabled"})
            }
            body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
            if err != nil || len(body) > maxWebhookBody {
                return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
            }
            sig, ok := strings.CutPrefix(c.Request().Header.Get(SignatureHeader), "sha256=")
            if !ok || !hmac.Equal([]byte(Sign(key, body)), []byte(strings.ToLower(sig))) {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
            }
            c.Request().Body = io.NopCloser(bytes.NewReader(body))
            return next(c)
        }
    }
}

// Sign returns the hex HMAC-SHA256 of body under key.
func Sign(key, body []byte) string {
    mac := hmac.New(sha256.New, key)
    mac.Write(body)
    return hex.EncodeToString(mac.Sum(nil))
}
