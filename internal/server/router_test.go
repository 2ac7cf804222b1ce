package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/truvista/truvista-cache/internal/logging"
)

type frontRecorder struct {
	calls int
	path  string
}

func (r *frontRecorder) Handle(c fiber.Ctx) error {
	r.calls++
	r.path = c.Path()
	return c.Status(fiber.StatusNoContent).SendString("")
}

func newTestApp(t *testing.T, secret string) (*fiber.App, *frontRecorder) {
	t.Helper()
	front := &frontRecorder{}
	app, err := NewApp(AppOptions{
		Logger:        logging.NewDiscardLogger(),
		Front:         front,
		ControlSecret: secret,
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return app, front
}

func TestRouterHandsPageRequestsToFront(t *testing.T) {
	app, front := newTestApp(t, "")

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.truvista.in/property-images/1.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if front.calls != 1 || front.path != "/property-images/1.jpg" {
		t.Fatalf("unexpected front calls=%d path=%s", front.calls, front.path)
	}
	if reqID := resp.Header.Get(RequestIDHeader); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterEchoesCallerRequestID(t *testing.T) {
	app, _ := newTestApp(t, "")

	req := httptest.NewRequest("GET", "/listing", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestRouterControlPathsBypassFront(t *testing.T) {
	app, front := newTestApp(t, "")

	resp, err := app.Test(httptest.NewRequest("GET", "/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if front.calls != 0 {
		t.Fatalf("control path must not reach the front handler")
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	app, err := NewApp(AppOptions{
		Logger: logging.NewDiscardLogger(),
		Front: FrontHandlerFunc(func(fiber.Ctx) error {
			panic("boom")
		}),
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{Front: &frontRecorder{}}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logging.NewDiscardLogger()}); err == nil {
		t.Fatalf("expected error without front handler")
	}
}

func TestControlAuth(t *testing.T) {
	const secret = "s3cret"
	app, front := newTestApp(t, secret)

	valid, err := SignControlToken(secret, "controller", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    ControlTokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}
	foreign, err := SignControlToken("other", "controller", time.Minute)
	if err != nil {
		t.Fatalf("sign foreign: %v", err)
	}

	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{name: "missing", header: "", status: fiber.StatusUnauthorized, code: "unauthorized"},
		{name: "basic scheme", header: "Basic Zm9vOmJhcg==", status: fiber.StatusUnauthorized, code: "unauthorized"},
		{name: "expired", header: "Bearer " + expired, status: fiber.StatusUnauthorized, code: "token_expired"},
		{name: "wrong secret", header: "Bearer " + foreign, status: fiber.StatusUnauthorized, code: "invalid_token"},
		{name: "valid", header: "Bearer " + valid, status: fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/-/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if tc.code != "" {
				body, _ := io.ReadAll(resp.Body)
				if !bytes.Contains(body, []byte(`"`+tc.code+`"`)) {
					t.Fatalf("expected error %s, got %s", tc.code, string(body))
				}
			}
		})
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/index.html", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent || front.calls != 1 {
		t.Fatalf("page requests must not require a token, status=%d", resp.StatusCode)
	}
}

func TestVerifyControlTokenRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer: ControlTokenIssuer,
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := VerifyControlToken("s3cret", token); err == nil {
		t.Fatalf("expected HS512 token to be rejected")
	}
}
