package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DPoPProofFreshness is the maximum allowed skew between a proof's iat and
// now, inclusive at the boundary (300s accepted, 301s rejected).
const DPoPProofFreshness = 300 * time.Second

// DPoPClaims is the payload of a DPoP proof JWT.
type DPoPClaims struct {
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	ATH   string `json:"ath,omitempty"`
	Nonce string `json:"nonce,omitempty"`
	JTI   string `json:"jti,omitempty"`
	jwt.RegisteredClaims
}

// jwk is the subset of JSON Web Key members the core understands, embedded
// in a DPoP proof's header.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// VerifyDPoPParams bundles the request-bound values a proof is checked
// against.
type VerifyDPoPParams struct {
	Proof       string
	Method      string
	URI         string
	AccessToken string // optional; required when binding an access token use
	Nonce       string // optional server-issued nonce
}

// ErrInvalidDPoPProof is returned (wrapped with context) for every proof
// validation failure.
type ErrInvalidDPoPProof struct {
	Reason string
}

func (e *ErrInvalidDPoPProof) Error() string {
	return fmt.Sprintf("invalid dpop proof: %s", e.Reason)
}

func invalidProof(reason string) error { return &ErrInvalidDPoPProof{Reason: reason} }

// VerifyDPoP validates a DPoP proof per §4.4.6 and returns the key
// thumbprint (RFC 7638 JWK thumbprint, base64url) bound to this proof.
func VerifyDPoP(params VerifyDPoPParams) (thumbprint string, err error) {
	var rawJWK jwk

	claims := &DPoPClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256", "RS256"}))

	token, err := parser.ParseWithClaims(params.Proof, claims, func(t *jwt.Token) (interface{}, error) {
		typ, _ := t.Header["typ"].(string)
		if typ != "dpop+jwt" {
			return nil, invalidProof("typ must be dpop+jwt")
		}
		jwkRaw, ok := t.Header["jwk"]
		if !ok {
			return nil, invalidProof("missing embedded jwk")
		}
		jwkBytes, marshalErr := json.Marshal(jwkRaw)
		if marshalErr != nil {
			return nil, invalidProof("malformed embedded jwk")
		}
		if unmarshalErr := json.Unmarshal(jwkBytes, &rawJWK); unmarshalErr != nil {
			return nil, invalidProof("malformed embedded jwk")
		}

		switch t.Method.(type) {
		case *jwt.SigningMethodECDSA:
			return ecdsaPublicKeyFromJWK(rawJWK)
		case *jwt.SigningMethodRSA:
			return rsaPublicKeyFromJWK(rawJWK)
		default:
			return nil, invalidProof("unsupported alg")
		}
	})
	if err != nil {
		if _, ok := err.(*ErrInvalidDPoPProof); ok {
			return "", err
		}
		return "", invalidProof("signature verification failed: " + err.Error())
	}
	if !token.Valid {
		return "", invalidProof("signature verification failed")
	}

	if claims.HTM != params.Method {
		return "", invalidProof("htm mismatch")
	}
	if claims.HTU != params.URI {
		return "", invalidProof("htu mismatch")
	}
	if claims.IAT == 0 {
		return "", invalidProof("missing iat")
	}
	age := time.Since(time.Unix(claims.IAT, 0))
	if age < 0 {
		age = -age
	}
	if age > DPoPProofFreshness {
		return "", invalidProof("iat outside freshness window")
	}

	if params.AccessToken != "" {
		sum := sha256.Sum256([]byte(params.AccessToken))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if claims.ATH != want {
			return "", invalidProof("ath mismatch")
		}
	}
	if params.Nonce != "" && claims.Nonce != params.Nonce {
		return "", invalidProof("nonce mismatch")
	}

	return thumbprintFromJWK(rawJWK)
}

func ecdsaPublicKeyFromJWK(k jwk) (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, invalidProof("unsupported ec jwk")
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, invalidProof("malformed jwk x")
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, invalidProof("malformed jwk y")
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, invalidProof("unsupported rsa jwk")
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, invalidProof("malformed jwk n")
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, invalidProof("malformed jwk e")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// thumbprintFromJWK computes the RFC 7638 JWK thumbprint: SHA-256 over the
// canonical JSON object containing only the required members in
// lexicographic key order.
func thumbprintFromJWK(k jwk) (string, error) {
	var canonical string
	switch k.Kty {
	case "EC":
		canonical = fmt.Sprintf(`{"crv":%q,"kty":%q,"x":%q,"y":%q}`, k.Crv, k.Kty, k.X, k.Y)
	case "RSA":
		canonical = fmt.Sprintf(`{"e":%q,"kty":%q,"n":%q}`, k.E, k.Kty, k.N)
	default:
		return "", invalidProof("unsupported jwk kty")
	}
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
