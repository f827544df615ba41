package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pixell/agent-billing/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a user JWT.
type AccessTokenPayload struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
	Role   enums.MemberRole
	JTI    string
}

// AccessTokenClaims represents the typed JWT issued to end users.
type AccessTokenClaims struct {
	UserID uuid.UUID        `json:"user_id"`
	OrgID  uuid.UUID        `json:"org_id"`
	Role   enums.MemberRole `json:"role"`
	jwt.RegisteredClaims
}

// ServiceTokenClaims identifies an internal caller such as the orchestrator.
type ServiceTokenClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}
