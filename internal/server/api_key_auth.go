package server

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/coursivo/tally/internal/apikey/domain"
	"github.com/coursivo/tally/internal/auditcontext"
	"github.com/gin-gonic/gin"
)

// APIKeyRequired authenticates requests with a bearer API key.
// Organization identity comes solely from the api_keys table.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := apikeydomain.HashAPIKey(parts[1])
		now := time.Now().UTC()

		var record struct {
			ID      snowflake.ID `gorm:"column:id"`
			OrgID   snowflake.ID `gorm:"column:org_id"`
			KeyHash string       `gorm:"column:key_hash"`
		}
		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT id, org_id, key_hash
			 FROM api_keys
			 WHERE key_hash = ?
			   AND is_active = true
			   AND (expires_at IS NULL OR expires_at > ?)
			 LIMIT 1`,
			hash,
			now,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		ctx = auditcontext.WithOrgID(ctx, int64(record.OrgID))
		ctx = auditcontext.WithActor(ctx, "api_key", record.ID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RateLimit throttles per API key inside a fixed window. It must run
// after APIKeyRequired so the key identity is available.
func (s *Server) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, actorID := auditcontext.ActorFromContext(c.Request.Context())
		if actorID == "" {
			actorID = c.ClientIP()
		}
		if !s.limiter.Allow(actorID) {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

// orgID returns the authenticated organization for the request.
func orgID(c *gin.Context) snowflake.ID {
	return snowflake.ID(auditcontext.OrgIDFromContext(c.Request.Context()))
}

func parseID(value string) (snowflake.ID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("id", "invalid_id", "id must be a positive integer")
	}
	return snowflake.ID(parsed), nil
}
