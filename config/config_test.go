package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := Load()

		if cfg.Port != "8080" {
			t.Errorf("Expected port 8080, got %s", cfg.Port)
		}
		if cfg.Store.PresenceCollection != "community_chat_users" {
			t.Errorf("Expected presence collection community_chat_users, got %s", cfg.Store.PresenceCollection)
		}
		if cfg.Store.SignalCollection != "community_signals" {
			t.Errorf("Expected signal collection community_signals, got %s", cfg.Store.SignalCollection)
		}
		if cfg.Store.PresenceTTL != 30*time.Second {
			t.Errorf("Expected presence ttl 30s, got %v", cfg.Store.PresenceTTL)
		}
		if cfg.Chat.ParticipantID == "" {
			t.Error("Expected a generated participant id")
		}
		if len(cfg.ICE.STUNURLs) != 1 {
			t.Errorf("Expected one default STUN url, got %v", cfg.ICE.STUNURLs)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("PARTICIPANT_ID", "a1")
		t.Setenv("DISPLAY_NAME", "Alice")
		t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,")
		t.Setenv("STUN_URLS", "stun:one:3478,stun:two:3478")
		t.Setenv("ICE_FAILED_TIMEOUT", "40s")
		t.Setenv("TRANSCRIPT_LIMIT", "nope")
		t.Setenv("STORE_BACKEND", "memory")
		t.Setenv("PRESENCE_TTL", "0s")

		cfg := Load()

		if cfg.Chat.ParticipantID != "a1" || cfg.Chat.DisplayName != "Alice" {
			t.Errorf("Unexpected participant %+v", cfg.Chat)
		}
		if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
			t.Errorf("Unexpected origins %v", cfg.AllowedOrigins)
		}
		if len(cfg.ICE.STUNURLs) != 2 {
			t.Errorf("Expected two STUN urls, got %v", cfg.ICE.STUNURLs)
		}
		if cfg.ICE.FailedTimeout != 40*time.Second {
			t.Errorf("Expected failed timeout 40s, got %v", cfg.ICE.FailedTimeout)
		}
		if cfg.Chat.TranscriptLimit != 500 {
			t.Errorf("Expected invalid int to fall back to 500, got %d", cfg.Chat.TranscriptLimit)
		}
		if cfg.Store.PresenceTTL != 0 {
			t.Errorf("Expected presence expiry disabled, got %v", cfg.Store.PresenceTTL)
		}
		if cfg.Store.Backend != "memory" {
			t.Errorf("Expected memory backend, got %s", cfg.Store.Backend)
		}
	})
}
