package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"testing"
	"time"

	logx "dagd/pkg/logx"
)

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestReconfigureEnableDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	status := func(context.Context) (any, error) {
		return map[string]int{"dags": 1}, nil
	}
	s := New(Config{}, logx.Nop(), status)
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 7}
	if err := s.Reconfigure(ctx, cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected bound address")
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	if code, body := get(t, "http://"+addr+"/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	code, body := get(t, "http://"+addr+"/status", "")
	if code != http.StatusOK {
		t.Fatalf("/status = %d", code)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(body), &got); err != nil || got["dags"] != 1 {
		t.Fatalf("/status body = %q (%v)", body, err)
	}
	if code, _ := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}

	if err := s.Reconfigure(ctx, Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if a := s.Addr(); a != "" {
		t.Fatalf("expected server stopped, still at %s", a)
	}
}

func TestTokenRequired(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	base := "http://" + s.Addr()

	tests := []struct {
		url, bearer string
		want        int
	}{
		{base + "/healthz", "", http.StatusUnauthorized},
		{base + "/healthz", "wrong", http.StatusUnauthorized},
		{base + "/healthz", "s3cret", http.StatusOK},
		{base + "/healthz?token=s3cret", "", http.StatusOK},
		{base + "/healthz?token=nope", "s3cret", http.StatusUnauthorized},
		{base + "/status", "s3cret", http.StatusNotFound},
	}
	for _, tt := range tests {
		if code, _ := get(t, tt.url, tt.bearer); code != tt.want {
			t.Errorf("GET %s (bearer %q) = %d, want %d", tt.url, tt.bearer, code, tt.want)
		}
	}
}

func TestStatusError(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), func(context.Context) (any, error) {
		return nil, errors.New("store closed")
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })

	code, body := get(t, "http://"+s.Addr()+"/status", "")
	if code != http.StatusInternalServerError || !strings.Contains(body, "store closed") {
		t.Fatalf("/status = %d %q", code, body)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil)
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Start = %v, want ErrInsecureBind", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener should not be bound")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"bogus":          false,
	}
	for addr, want := range tests {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":      "/debug/pprof/",
		"prof":  "/prof/",
		"/x/y":  "/x/y/",
		" /p/ ": "/p/",
	}
	for in, want := range tests {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
