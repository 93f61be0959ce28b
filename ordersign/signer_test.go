package ordersign

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"tradingengine/models"
)

// Deterministic test key; the derived address is checked below.
const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testCreds(t *testing.T) models.Credentials {
	t.Helper()
	key, err := crypto.HexToECDSA(strings.TrimPrefix(testPrivateKey, "0x"))
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return models.Credentials{
		APIKey:        "key",
		APISecret:     "secret",
		APIPassphrase: "pass",
		WalletAddress: addr,
		PrivateKey:    testPrivateKey,
	}
}

func TestClampTick(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"rounds down to grid", "0.9994", "0.999"},
		{"clamps low to 0.001", "0.0003", "0.001"},
		{"exact grid value unchanged", "0.5", "0.5"},
		{"clamps one to 0.999", "1", "0.999"},
		{"clamps above one", "1.2", "0.999"},
		{"zero clamps up", "0", "0.001"},
		{"mid grid rounds down", "0.12345", "0.123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, _ := decimal.NewFromString(tt.in)
			got := ClampTick(in)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("ClampTick(%s) = %s, want %s", tt.in, got, tt.want)
			}
			// Every clamped price sits on the 0.001 grid.
			if !got.Mul(decimal.NewFromInt(1000)).Equal(got.Mul(decimal.NewFromInt(1000)).Floor()) {
				t.Fatalf("ClampTick(%s) = %s is off-grid", tt.in, got)
			}
		})
	}
}

func TestAmountsRatioMatchesPrice(t *testing.T) {
	tests := []struct {
		name  string
		side  models.Side
		size  string
		price string
	}{
		{"buy at 0.95", models.SideBuy, "10.526", "0.95"},
		{"buy small", models.SideBuy, "5", "0.123"},
		{"sell at 0.5", models.SideSell, "42.999", "0.5"},
		{"buy odd size", models.SideBuy, "11.111111", "0.9"},
		{"sell near one", models.SideSell, "7.77", "0.999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := decimal.RequireFromString(tt.size)
			price := decimal.RequireFromString(tt.price)

			makerAmount, takerAmount, rounded := Amounts(tt.side, size, price)

			// Size is floored to two decimals.
			if !rounded.Equal(size.RoundFloor(2)) {
				t.Fatalf("rounded size %s, want %s", rounded, size.RoundFloor(2))
			}

			var stable, tokens decimal.Decimal
			if tt.side == models.SideBuy {
				stable = decimal.NewFromBigInt(makerAmount, 0)
				tokens = decimal.NewFromBigInt(takerAmount, 0)
			} else {
				stable = decimal.NewFromBigInt(takerAmount, 0)
				tokens = decimal.NewFromBigInt(makerAmount, 0)
			}

			// stable/token reproduces the price to 4 stablecoin decimals.
			got := stable.DivRound(tokens, 4)
			want := rounded.Mul(price).RoundFloor(4).DivRound(rounded, 4)
			if !got.Equal(want) {
				t.Fatalf("amount ratio %s, want %s (stable=%s tokens=%s)", got, want, stable, tokens)
			}
		})
	}
}

func TestBuildEOAOrder(t *testing.T) {
	creds := testCreds(t)

	order, err := Build(creds, "123456789", models.SideBuy,
		decimal.RequireFromString("11.12"), decimal.RequireFromString("0.95"), false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if order.SignatureType != SignatureTypeEOA {
		t.Fatalf("signature type %d, want EOA", order.SignatureType)
	}
	if order.Maker != creds.WalletAddress || order.Signer != creds.WalletAddress {
		t.Fatalf("maker/signer mismatch: %s / %s", order.Maker, order.Signer)
	}
	if order.Taker != zeroAddress {
		t.Fatalf("taker %s, want zero address", order.Taker)
	}
	if order.Side != "BUY" {
		t.Fatalf("side %s, want BUY", order.Side)
	}
	if order.Salt < 0 || order.Salt > (1<<31)-1 {
		t.Fatalf("salt %d outside 31-bit range", order.Salt)
	}

	// 65-byte signature, hex encoded with 0x prefix, v in {27, 28}.
	if !strings.HasPrefix(order.Signature, "0x") {
		t.Fatalf("signature missing 0x prefix")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(order.Signature, "0x"))
	if err != nil {
		t.Fatalf("signature not hex: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length %d, want 65", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("v = %d, want 27 or 28", v)
	}
}

func TestBuildProxySignerOrder(t *testing.T) {
	creds := testCreds(t)
	signerAddr := creds.WalletAddress
	creds.WalletAddress = "0x1111111111111111111111111111111111111111"
	creds.SignerAddress = signerAddr

	order, err := Build(creds, "987654321", models.SideSell,
		decimal.RequireFromString("20"), decimal.RequireFromString("0.5"), true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if order.SignatureType != SignatureTypeProxy {
		t.Fatalf("signature type %d, want proxy", order.SignatureType)
	}
	if order.Maker != creds.WalletAddress {
		t.Fatalf("maker %s, want wallet %s", order.Maker, creds.WalletAddress)
	}
	if order.Signer != signerAddr {
		t.Fatalf("signer %s, want %s", order.Signer, signerAddr)
	}
	if order.Side != "SELL" {
		t.Fatalf("side %s, want SELL", order.Side)
	}
}

func TestBuildRejectsUnconfiguredCredentials(t *testing.T) {
	if _, err := Build(models.Credentials{}, "1", models.SideBuy,
		decimal.NewFromInt(10), decimal.RequireFromString("0.5"), false); err == nil {
		t.Fatal("expected error for empty credentials")
	}
}

func TestPriceOfRoundTrip(t *testing.T) {
	creds := testCreds(t)
	price := decimal.RequireFromString("0.95")

	order, err := Build(creds, "42", models.SideBuy, decimal.RequireFromString("11.57"), price, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	got, err := order.PriceOf()
	if err != nil {
		t.Fatalf("PriceOf: %v", err)
	}
	diff := got.Sub(price).Abs()
	if diff.GreaterThan(decimal.RequireFromString("0.0001")) {
		t.Fatalf("reconstructed price %s too far from %s", got, price)
	}
}

func TestSignatureDiffersByVerifyingContract(t *testing.T) {
	creds := testCreds(t)
	size := decimal.RequireFromString("10")
	price := decimal.RequireFromString("0.9")

	standard, err := Build(creds, "7", models.SideBuy, size, price, false)
	if err != nil {
		t.Fatalf("Build standard: %v", err)
	}
	negRisk, err := Build(creds, "7", models.SideBuy, size, price, true)
	if err != nil {
		t.Fatalf("Build neg-risk: %v", err)
	}

	// Same order contents signed against the neg-risk exchange must hash,
	// and therefore sign, differently.
	standard.Salt = 1
	negRisk.Salt = 1
	sigA, err := sign(standard, creds.PrivateKey, false)
	if err != nil {
		t.Fatalf("sign standard: %v", err)
	}
	sigB, err := sign(negRisk, creds.PrivateKey, true)
	if err != nil {
		t.Fatalf("sign neg-risk: %v", err)
	}
	if sigA == sigB {
		t.Fatal("signatures identical across verifying contracts")
	}
}
