package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/switchboard/internal/auth"
)

// stubHandler is a no-op gRPC handler used in interceptor tests.
func stubHandler(_ context.Context, _ any) (any, error) {
	return "ok", nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRecoveryInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	resp, err := RecoveryInterceptor(context.Background(), nil, info, stubHandler)
	if err != nil || resp != "ok" {
		t.Fatalf("got (%v, %v), want (ok, nil)", resp, err)
	}

	_, err = RecoveryInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", status.Code(err))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// --- AuthMiddleware tests ---

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"no header", "secret", "", http.StatusUnauthorized},
		{"wrong token", "secret", "Bearer wrong", http.StatusUnauthorized},
		{"invalid scheme", "secret", "Basic secret", http.StatusUnauthorized},
		{"correct token", "secret", "Bearer secret", http.StatusOK},
		{"disabled", "", "", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/events/publish", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(tc.token, okHandler()).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d; body: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	v := auth.NewVerifier("test-secret")
	s := New(nil, Options{Verifier: v})
	good, err := v.Mint("u1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, _ := auth.NewVerifier("other-secret").Mint("u1", time.Hour)

	var gotUser string
	handler := s.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer", "Bearer " + good, "", http.StatusOK},
		{"query", "", "?token=" + good, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + other, "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/events/stream"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d; body: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.want == http.StatusOK && gotUser != "u1" {
				t.Errorf("user = %q, want u1", gotUser)
			}
		})
	}
}

func TestRequireUser_NoVerifier(t *testing.T) {
	s := New(nil, Options{})
	rec := httptest.NewRecorder()
	s.RequireUser(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/stream", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStreamLoggingInterceptorPassesError(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}
	want := status.Error(codes.Unavailable, "down")
	err := StreamLoggingInterceptor(nil, nil, info, func(any, grpc.ServerStream) error {
		return want
	})
	if err != want {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if err := StreamLoggingInterceptor(nil, nil, info, func(any, grpc.ServerStream) error { return nil }); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
