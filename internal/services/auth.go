package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/pkg/ctxutil"
	pkgerrors "github.com/yungbote/relaychat-backend/internal/pkg/errors"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

// AuthService issues and verifies session tokens. Sessions are anonymous: the
// first request mints a user identity, subsequent requests carry it as a
// bearer token.
type AuthService interface {
	IssueSession() (token string, rd *ctxutil.RequestData, err error)
	ParseToken(tokenString string) (*ctxutil.RequestData, error)
	AccessTTL() time.Duration
}

type authService struct {
	log       *logger.Logger
	jwtSecret []byte
	accessTTL time.Duration
}

func NewAuthService(log *logger.Logger, jwtSecret string, accessTTL time.Duration) AuthService {
	return &authService{
		log:       log.With("service", "AuthService"),
		jwtSecret: []byte(jwtSecret),
		accessTTL: accessTTL,
	}
}

func (s *authService) AccessTTL() time.Duration { return s.accessTTL }

func (s *authService) IssueSession() (string, *ctxutil.RequestData, error) {
	rd := &ctxutil.RequestData{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": rd.UserID.String(),
		"sid": rd.SessionID.String(),
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session token: %w", err)
	}
	return token, rd, nil
}

func (s *authService) ParseToken(tokenString string) (*ctxutil.RequestData, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, pkgerrors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, pkgerrors.ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil || userID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}

	rd := &ctxutil.RequestData{UserID: userID}
	if sid, _ := claims["sid"].(string); sid != "" {
		if sessionID, err := uuid.Parse(sid); err == nil {
			rd.SessionID = sessionID
		}
	}
	return rd, nil
}
