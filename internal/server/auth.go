package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// ControlTokenIssuer 是控制接口 JWT 的 iss。
const ControlTokenIssuer = "truvista-cache"

const bearerPrefix = "Bearer "

var errMissingToken = errors.New("missing bearer token")

// SignControlToken 使用 HS256 签发访问 /-/ 控制接口的令牌。
func SignControlToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("control secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   ControlTokenIssuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyControlToken 校验签名、算法、签发方与有效期，返回 claims。
func VerifyControlToken(secret, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ControlTokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// controlAuthMiddleware 对 /-/ 路径要求 Bearer JWT；secret 为空时不做校验。
func controlAuthMiddleware(secret string, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if secret == "" || !isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		raw, err := bearerToken(c.Get(fiber.HeaderAuthorization))
		if err == nil {
			_, err = VerifyControlToken(secret, raw)
		}
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "control_auth",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).Warn("control_auth_failed")
			code := "invalid_token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = "token_expired"
			} else if errors.Is(err, errMissingToken) {
				code = "unauthorized"
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": code})
		}
		return c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", errMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
