package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Room tokens are the bearer credential carried on the connection url.
// The relay verifies them; clients can parse them unverified to show who
// the token belongs to.

type RoomToken struct {
	TokenId     string
	Room        string
	UserId      string
	DisplayName string
	Email       string
	Role        string
}

// MintRoomToken signs a token granting `user` access to the room.
func MintRoomToken(secret []byte, room string, user *PresenceUser, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"jti":          NewId().String(),
		"room":         room,
		"user_id":      user.UserId,
		"display_name": user.DisplayName,
		"email":        user.Email,
		"role":         user.Role,
		"iat":          now.Unix(),
		"exp":          now.Add(ttl).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyRoomToken checks the signature and expiry and that the token was
// minted for `room`.
func VerifyRoomToken(secret []byte, room string, jwt string) (*RoomToken, error) {
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	roomToken := roomTokenFromClaims(token.Claims.(gojwt.MapClaims))
	if roomToken.Room != room {
		return nil, fmt.Errorf("token room mismatch: %s", roomToken.Room)
	}
	return roomToken, nil
}

// ParseRoomTokenUnverified extracts the claims without checking the
// signature. For display only.
func ParseRoomTokenUnverified(jwt string) (*RoomToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return roomTokenFromClaims(token.Claims.(gojwt.MapClaims)), nil
}

func roomTokenFromClaims(claims gojwt.MapClaims) *RoomToken {
	roomToken := &RoomToken{}
	if tokenId, ok := claims["jti"].(string); ok {
		roomToken.TokenId = tokenId
	}
	if room, ok := claims["room"].(string); ok {
		roomToken.Room = room
	}
	if userId, ok := claims["user_id"].(string); ok {
		roomToken.UserId = userId
	}
	if displayName, ok := claims["display_name"].(string); ok {
		roomToken.DisplayName = displayName
	}
	if email, ok := claims["email"].(string); ok {
		roomToken.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		roomToken.Role = role
	}
	return roomToken
}
