// Package ordersign builds and signs EIP-712 venue orders. Signing is
// purely functional: given credentials, a token, a side, a size and a
// price, it produces the venue-shaped payload with a secp256k1 signature.
package ordersign

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"tradingengine/models"
)

// Exchange constants for chain id 137 (Polygon). Neg-risk markets settle
// through a different verifying contract; everything else in the domain is
// identical.
const (
	ChainID                = 137
	ExchangeAddress        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// Signature types accepted by the venue.
const (
	SignatureTypeEOA   = 0
	SignatureTypeProxy = 2
)

// SignedOrder is the venue-shaped order payload.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`

	sideInt int
}

// tickSize is the venue's limit-order price grid.
var (
	tickSize = decimal.NewFromFloat(0.001)
	minTick  = decimal.NewFromFloat(0.001)
	maxTick  = decimal.NewFromFloat(0.999)
)

// ClampTick rounds a price down to the 0.001 grid and clamps it into
// [0.001, 0.999]. The venue rejects prices of exactly 0 or 1.
func ClampTick(price decimal.Decimal) decimal.Decimal {
	p := price.Div(tickSize).Floor().Mul(tickSize)
	if p.LessThan(minTick) {
		return minTick
	}
	if p.GreaterThan(maxTick) {
		return maxTick
	}
	return p
}

// Amounts converts a size/price pair into the venue's 6-decimal
// fixed-point maker/taker amounts. The size is floored to 2 decimals first
// and the stablecoin amount is derived from the rounded size floored to 4
// decimals, which keeps stable/token on the configured price within venue
// tolerance.
func Amounts(side models.Side, size, price decimal.Decimal) (makerAmount, takerAmount *big.Int, roundedSize decimal.Decimal) {
	roundedSize = size.RoundFloor(2)

	tokenUnits := roundedSize.Shift(6).Round(0)
	stableUnits := roundedSize.Mul(price).RoundFloor(4).Shift(6).Round(0)

	if side == models.SideBuy {
		return stableUnits.BigInt(), tokenUnits.BigInt(), roundedSize
	}
	return tokenUnits.BigInt(), stableUnits.BigInt(), roundedSize
}

// Build creates and signs an open (taker = zero address) GTC-style order.
func Build(creds models.Credentials, tokenID string, side models.Side, size, price decimal.Decimal, negRisk bool) (*SignedOrder, error) {
	if !creds.Configured() {
		return nil, fmt.Errorf("ordersign: credentials not configured")
	}

	makerAmount, takerAmount, _ := Amounts(side, size, price)

	sideInt := 0
	if side == models.SideSell {
		sideInt = 1
	}

	maker := creds.WalletAddress
	signer := creds.WalletAddress
	sigType := SignatureTypeEOA
	if creds.SignerAddress != "" && !strings.EqualFold(creds.SignerAddress, creds.WalletAddress) {
		signer = creds.SignerAddress
		sigType = SignatureTypeProxy
	}

	order := &SignedOrder{
		Salt:          int64(rand.Int31()),
		Maker:         maker,
		Signer:        signer,
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(side),
		SignatureType: sigType,
		sideInt:       sideInt,
	}

	signature, err := sign(order, creds.PrivateKey, negRisk)
	if err != nil {
		return nil, err
	}
	order.Signature = signature

	return order, nil
}

func sign(order *SignedOrder, privateKeyHex string, negRisk bool) (string, error) {
	verifyingContract := ExchangeAddress
	if negRisk {
		verifyingContract = NegRiskExchangeAddress
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("ordersign: parse private key: %w", err)
	}

	domain := apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(ChainID),
		VerifyingContract: verifyingContract,
	}

	tokenID, ok := new(big.Int).SetString(order.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("ordersign: invalid token id %q", order.TokenID)
	}
	makerAmount, _ := new(big.Int).SetString(order.MakerAmount, 10)
	takerAmount, _ := new(big.Int).SetString(order.TakerAmount, 10)

	message := map[string]interface{}{
		"salt":          big.NewInt(order.Salt),
		"maker":         order.Maker,
		"signer":        order.Signer,
		"taker":         order.Taker,
		"tokenId":       tokenID,
		"makerAmount":   makerAmount,
		"takerAmount":   takerAmount,
		"expiration":    big.NewInt(0),
		"nonce":         big.NewInt(0),
		"feeRateBps":    big.NewInt(0),
		"side":          big.NewInt(int64(order.sideInt)),
		"signatureType": big.NewInt(int64(order.SignatureType)),
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("ordersign: hash typed data: %w", err)
	}

	signature, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("ordersign: sign: %w", err)
	}

	// Venue expects v = recovery_id + 27.
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// PriceOf reconstructs the stable/token ratio a signed order encodes, for
// verification against the configured price.
func (o *SignedOrder) PriceOf() (decimal.Decimal, error) {
	maker, err := decimal.NewFromString(o.MakerAmount)
	if err != nil {
		return decimal.Zero, err
	}
	taker, err := decimal.NewFromString(o.TakerAmount)
	if err != nil {
		return decimal.Zero, err
	}

	var stable, tokens decimal.Decimal
	if o.Side == string(models.SideBuy) {
		stable, tokens = maker, taker
	} else {
		stable, tokens = taker, maker
	}
	if tokens.IsZero() {
		return decimal.Zero, fmt.Errorf("ordersign: zero token amount")
	}
	return stable.DivRound(tokens, 4), nil
}
