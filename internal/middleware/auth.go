package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/schoolsignal-dev/schoolsignal/internal/auth"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// AuthMiddleware verifies the bearer token issued by the Auth
// collaborator and materializes its role scope into a RoleContext. Role
// resolution itself happens upstream; we only trust the signed claims.
func AuthMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")

		if authHeader == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)

		if len(parts) != 2 || parts[0] != "Bearer" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			return
		}

		tokenString := parts[1]

		token, err := auth.VerifyJWT(tokenString)

		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)

		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}

		role, err := roleContextFromClaims(claims)

		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		ctx.Set(types.ContextRoleKey, role)
		ctx.Next()
	}
}

func roleContextFromClaims(claims jwt.MapClaims) (types.RoleContext, error) {
	userIDFloat, ok := claims["user_id"].(float64)
	if !ok {
		return types.RoleContext{}, errInvalidClaim("user_id")
	}

	roleName, ok := claims["role"].(string)
	if !ok || roleName == "" {
		return types.RoleContext{}, errInvalidClaim("role")
	}

	schoolIDFloat, ok := claims["school_id"].(float64)
	if !ok {
		return types.RoleContext{}, errInvalidClaim("school_id")
	}

	role := types.RoleContext{
		UserID:   uint(userIDFloat),
		Role:     roleName,
		SchoolID: uint(schoolIDFloat),
	}

	role.ClassIDs = uintSliceClaim(claims, "class_ids")
	role.StudentIDs = uintSliceClaim(claims, "student_ids")

	return role, nil
}

func uintSliceClaim(claims jwt.MapClaims, key string) []uint {
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil
	}

	out := make([]uint, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, uint(f))
		}
	}
	return out
}

type claimError struct {
	field string
}

func (e claimError) Error() string {
	return "Invalid " + e.field + " in token claims"
}

func errInvalidClaim(field string) error {
	return claimError{field: field}
}
