package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kofera/contractsign/model"
)

// DeepLinkClaims is the signed payload carried in notification links,
// scoping the link to one contract and one party.
type DeepLinkClaims struct {
	ContractID string `json:"contract_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// DeepLinkSigner builds the links embedded in outbound notifications.
type DeepLinkSigner struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
}

func NewDeepLinkSigner(baseURL, secret string, ttl time.Duration) *DeepLinkSigner {
	return &DeepLinkSigner{
		baseURL: baseURL,
		secret:  []byte(secret),
		ttl:     ttl,
	}
}

// Link returns a URL to the given form page for one contract, carrying
// a signed token for the target role.
func (s *DeepLinkSigner) Link(contractID string, role model.Role, form string) (string, error) {
	now := time.Now()
	claims := DeepLinkClaims{
		ContractID: contractID,
		Role:       string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign deep link token: %w", err)
	}

	return fmt.Sprintf("%s/contracts/%s/%s?token=%s", s.baseURL, contractID, form, signed), nil
}
