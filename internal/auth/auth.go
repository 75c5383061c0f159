package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrAuthentication is returned for any missing, malformed, expired or
// otherwise unverifiable credential.
var ErrAuthentication = errors.New("authentication failed")

// Identity is a verified user identity. Everything past the connection
// gateway works with an Identity, never a raw credential.
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// Verifier resolves a bearer credential to an identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier verifies HS256-signed bearer tokens whose subject is the
// user id.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrAuthentication
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrAuthentication
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return Identity{}, ErrAuthentication
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, ErrAuthentication
	}

	identity := Identity{UserID: userID}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if name, ok := claims["name"].(string); ok {
			identity.Username = name
		}
	}
	return identity, nil
}

// GenerateToken mints a token accepted by JWTVerifier. Used by local
// tooling and tests; session issuance proper lives elsewhere.
func GenerateToken(secret string, userID uuid.UUID, username string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{
			"sub":  userID.String(),
			"name": username,
			"exp":  time.Now().Add(ttl).Unix(),
		})

	return token.SignedString([]byte(secret))
}
