package main

import (
	"testing"

	"opsdash/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: "short"}); err == nil {
		t.Fatalf("expected short auth secret to be rejected")
	}

	err := validateSecurityConfig(config.Config{
		AuthSecret:        "0123456789abcdef0123456789abcdef",
		DatabaseURL:       "postgres://localhost/costing",
		SeedAdminPassword: "admin123",
	})
	if err == nil {
		t.Fatalf("expected weak seed admin password to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:        "0123456789abcdef0123456789abcdef",
		DatabaseURL:       "postgres://localhost/costing",
		SeedAdminPassword: "a-long-seed-password",
	})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
