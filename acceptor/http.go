package acceptor

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/fieldtrack/fieldsync/operation"
)

const userIDKey = "fieldsync.user_id"

// Claims is the JWT payload the acceptor trusts: Subject carries the
// user ID batches must belong to.
type Claims struct {
	jwt.RegisteredClaims
}

// NewRouter builds the acceptor's HTTP surface: POST /sync/batch behind
// JWT auth and an open GET /healthz.
func NewRouter(p *Processor, jwtSecret []byte) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", authMiddleware(jwtSecret))
	authed.POST("/sync/batch", batchHandler(p))

	return router
}

// authMiddleware verifies the bearer token and stashes its subject.
func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
		if err != nil || !token.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userIDKey, claims.Subject)
		c.Next()
	}
}

func batchHandler(p *Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(userIDKey)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 10<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		batch, err := operation.UnmarshalBatch(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// The batch's claimed owner must be the authenticated principal.
		if batch.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "batch user does not match token subject"})
			return
		}

		c.JSON(http.StatusOK, p.ProcessBatch(c.Request.Context(), userID, batch))
	}
}
