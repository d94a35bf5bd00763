package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents JWT claims for duoview authentication. ParticipantID
// is the stable identity used as hostId/callerId/calleeId across the
// coordination core. Room tokens additionally pin the participant to a
// room and record whether it is the room's host — host role is read
// from this durable claim, never inferred at runtime.
type Claims struct {
	ParticipantID string `json:"participant_id"`
	Username      string `json:"username"`
	RoomID        string `json:"room_id,omitempty"`
	Host          bool   `json:"host,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
}

// GenerateToken creates a new account token for the given user.
func GenerateToken(cfg *JWTConfig, participantID, username string) (string, error) {
	return sign(cfg, Claims{
		ParticipantID: participantID,
		Username:      username,
	})
}

// GenerateRoomToken creates a token granting membership in one room.
// host must come from the room's durable metadata (rooms.host_id).
func GenerateRoomToken(cfg *JWTConfig, participantID, username, roomID string, host bool) (string, error) {
	return sign(cfg, Claims{
		ParticipantID: participantID,
		Username:      username,
		RoomID:        roomID,
		Host:          host,
	})
}

func sign(cfg *JWTConfig, claims Claims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Audience:  jwt.ClaimStrings{cfg.Audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ValidateToken parses and validates a JWT token.
func ValidateToken(cfg *JWTConfig, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	// Validate issuer and audience if configured
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer")
	}

	if cfg.Audience != "" {
		validAudience := false
		for _, aud := range claims.Audience {
			if aud == cfg.Audience {
				validAudience = true
				break
			}
		}
		if !validAudience {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	return claims, nil
}
