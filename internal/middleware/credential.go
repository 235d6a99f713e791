package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/diagramforge/broker/internal/job"
)

// credentialClaims is the payload signed into a bearer credential: the
// subject key/tier the request authenticates as, generalized from the
// teacher's tenant/role JWT claims.
type credentialClaims struct {
	SubjectKey string   `json:"sub"`
	Tier       job.Tier `json:"tier"`
	Issuer     string   `json:"iss"`
	Audience   string   `json:"aud"`
	ExpiresAt  int64    `json:"exp"`
	IssuedAt   int64    `json:"iat"`
}

var (
	credentialSecret []byte
	credIssuer       = "diagbroker"
	credAudience     = "diagbroker-api"
)

func init() {
	secretEnv := os.Getenv("BROKER_CREDENTIAL_SECRET")
	if len(secretEnv) < 32 {
		if secretEnv == "" {
			fmt.Println("WARNING: BROKER_CREDENTIAL_SECRET not set, using insecure default for dev only")
			credentialSecret = []byte("insecure_default_secret_for_dev_mode_only_32bytes")
		} else {
			panic("BROKER_CREDENTIAL_SECRET must be at least 32 characters long")
		}
	} else {
		credentialSecret = []byte(secretEnv)
	}
}

// IssueCredential mints a signed bearer credential for subjectKey/tier, valid
// for 24h. Exposed for test fixtures and the ops CLI.
func IssueCredential(subjectKey string, tier job.Tier) (string, error) {
	now := time.Now().Unix()
	claims := credentialClaims{
		SubjectKey: subjectKey,
		Tier:       tier,
		Issuer:     credIssuer,
		Audience:   credAudience,
		ExpiresAt:  now + 86400,
		IssuedAt:   now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	signature := computeHMAC(tokenPart, credentialSecret)
	return tokenPart + "." + signature, nil
}

// validateCredential parses and verifies a bearer credential, returning the
// Subject it authenticates.
func validateCredential(token string) (job.Subject, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return job.Subject{}, errors.New("invalid credential format")
	}

	tokenPart := parts[0] + "." + parts[1]
	signature := computeHMAC(tokenPart, credentialSecret)
	if signature != parts[2] {
		return job.Subject{}, errors.New("invalid credential signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return job.Subject{}, fmt.Errorf("failed to decode claims: %w", err)
	}

	var claims credentialClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return job.Subject{}, fmt.Errorf("failed to unmarshal claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return job.Subject{}, errors.New("credential expired")
	}
	if claims.Issuer != credIssuer || claims.Audience != credAudience {
		return job.Subject{}, errors.New("invalid issuer or audience")
	}
	if claims.SubjectKey == "" {
		return job.Subject{}, errors.New("credential missing subject key")
	}

	return job.Subject{Key: claims.SubjectKey, Tier: claims.Tier}, nil
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
