package app

import (
	"context"
	"testing"

	"jirasync.io/internal/config"
)

func TestBuildInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.PublicBaseURL = "https://sync.example.com"
	cfg.Jira.ClientID = "client"
	cfg.Jira.ClientSecret = "secret"
	cfg.Jira.RedirectURL = "https://sync.example.com/v1/oauth/jira/callback"
	cfg.AuthSecret = "auth-secret"
	cfg.WebhookSecret = "hook-secret"

	a, err := Build(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a.Engine == nil || a.Scheduler == nil || a.Tokens == nil || a.Signer == nil {
		t.Fatalf("incomplete app: %+v", a)
	}
	if a.DB != nil {
		t.Fatal("expected no database without dsn")
	}
	if res := a.Scheduler.RunOnce(context.Background()); res.Connections != 0 {
		t.Fatalf("unexpected batch on empty registry: %+v", res)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBuildWithoutAuthSecret(t *testing.T) {
	cfg := config.Default()
	a, err := Build(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()
	if a.Signer != nil {
		t.Fatal("signer should be nil without auth secret")
	}
}
