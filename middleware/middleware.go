package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	// Ethereum address regex: 0x followed by 40 hex characters
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// BasicAuth returns a middleware that implements HTTP Basic Authentication
// for credential-mutating routes.
func BasicAuth() gin.HandlerFunc {
	username := os.Getenv("AUTH_USERNAME")
	password := os.Getenv("AUTH_PASSWORD")

	return func(c *gin.Context) {
		// Skip auth if credentials not configured
		if username == "" || password == "" {
			c.Next()
			return
		}

		user, pass, hasAuth := c.Request.BasicAuth()
		if !hasAuth {
			c.Header("WWW-Authenticate", `Basic realm="Trading Engine"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		// Use constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", `Basic realm="Trading Engine"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Next()
	}
}

// ValidateAddress validates that the address parameter is a valid
// Ethereum address, storing the normalized form on the context.
func ValidateAddress() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		if address == "" {
			c.Next()
			return
		}

		address = strings.ToLower(strings.TrimSpace(address))

		if !ethAddressRegex.MatchString(address) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid address format. Must be a valid Ethereum address (0x + 40 hex characters)",
			})
			return
		}

		c.Set("validatedAddress", address)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(strings.ToLower(strings.TrimSpace(addr)))
}
