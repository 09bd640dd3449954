package middlewares

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/mmdatafocus/resto_backend/utils"
)

// SessionMiddleware resolves the session token to an operator and stamps
// the tenant context every downstream query is scoped by. Admin users may
// act on another tenant via the business-id header.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		// The token is a JWT; reject expired or tampered ones before
		// consulting redis so revoked-but-valid is the only redis miss.
		if _, err := utils.JwtValidate(token); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)

		var user models.User
		found, err := config.GetRedisObject("User:"+username, &user)
		if err != nil || !found {
			db := config.GetDB()
			if db == nil {
				c.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				c.Abort()
				return
			}
			_ = config.SetRedisObject("User:"+username, &user, 15*time.Minute)
		}

		if user.IsActive != nil && !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		businessId := user.BusinessId
		if user.Role == models.UserRoleAdmin {
			ctx = utils.SetIsAdminInContext(ctx, true)
			if override := c.Request.Header.Get("business-id"); override != "" {
				if _, err := models.GetBusinessById(ctx, override); err != nil {
					c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown business-id"})
					c.Abort()
					return
				}
				businessId = override
			}
		}
		ctx = utils.SetBusinessIdInContext(ctx, businessId)
		ctx = utils.SetUserIdInContext(ctx, user.ID)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
