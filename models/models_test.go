package models

import (
	"strings"
	"testing"
	"time"
)

func TestCredentialsConfigured(t *testing.T) {
	full := Credentials{
		APIKey:        "k",
		APISecret:     "s",
		APIPassphrase: "p",
		WalletAddress: "0xabc",
		PrivateKey:    "0xkey",
	}
	if !full.Configured() {
		t.Fatal("full credentials not configured")
	}

	// Signer address is optional.
	partial := full
	partial.SignerAddress = ""
	if !partial.Configured() {
		t.Fatal("credentials without signer should be configured")
	}

	for _, clear := range []func(*Credentials){
		func(c *Credentials) { c.APIKey = "" },
		func(c *Credentials) { c.APISecret = "" },
		func(c *Credentials) { c.APIPassphrase = "" },
		func(c *Credentials) { c.WalletAddress = "" },
		func(c *Credentials) { c.PrivateKey = "" },
	} {
		c := full
		clear(&c)
		if c.Configured() {
			t.Fatalf("credentials with a missing field reported configured: %+v", c)
		}
	}
}

func TestMaskedKeepsEdges(t *testing.T) {
	c := Credentials{
		APIKey:        "abcd1234efgh5678",
		APISecret:     "short",
		APIPassphrase: "12345678",
		PrivateKey:    "0x4c0883a69102937d6231471b5dbb6204",
		WalletAddress: "0xabc",
	}

	m := c.Masked()

	if !strings.HasPrefix(m.APIKey, "abcd") || !strings.HasSuffix(m.APIKey, "5678") {
		t.Fatalf("masked key lost edges: %s", m.APIKey)
	}
	if strings.Contains(m.APIKey, "1234efgh") {
		t.Fatalf("masked key leaks middle: %s", m.APIKey)
	}
	if len([]rune(m.APIKey)) != len(c.APIKey) {
		t.Fatalf("masked key length changed: %s", m.APIKey)
	}

	// Short secrets are fully bulleted.
	if strings.Contains(m.APISecret, "short") || m.APISecret == "" {
		t.Fatalf("short secret not fully masked: %s", m.APISecret)
	}
	if m.APIPassphrase != strings.Repeat("•", 8) {
		t.Fatalf("8-char secret not fully masked: %s", m.APIPassphrase)
	}

	// Addresses stay readable.
	if m.WalletAddress != c.WalletAddress {
		t.Fatalf("wallet address masked: %s", m.WalletAddress)
	}
}

func TestMinutesToResolution(t *testing.T) {
	now := time.Now()

	m := MarketInfo{EndDate: now.Add(30 * time.Minute)}
	if got := m.MinutesToResolution(now); got < 29.9 || got > 30.1 {
		t.Fatalf("minutes = %f, want about 30", got)
	}

	past := MarketInfo{EndDate: now.Add(-time.Hour)}
	if got := past.MinutesToResolution(now); got != 0 {
		t.Fatalf("past market minutes = %f, want 0", got)
	}

	unknown := MarketInfo{}
	if got := unknown.MinutesToResolution(now); got != 0 {
		t.Fatalf("unknown end date minutes = %f, want 0", got)
	}
}
