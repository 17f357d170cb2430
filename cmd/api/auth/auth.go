package auth

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
)

// AuthUser represents the authenticated user.
type AuthUser struct {
	ID          string   `json:"id"`
	ExternalID  string   `json:"external_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

func (u AuthUser) GetRoles() []string { return u.Roles }

const localCookie = "sd_auth"

// Middleware performs JWT validation or bypass during tests. In local auth
// mode tokens are HMAC-signed and may arrive via cookie; in OIDC mode they
// are verified against the JWKS keyfunc.
func Middleware(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.TestBypassAuth {
			c.Set("user", AuthUser{
				ID:          "test-user",
				ExternalID:  "test",
				Email:       "test@example.com",
				DisplayName: "Test User",
				Roles:       []string{"agent"},
			})
			c.Next()
			return
		}

		tokenStr := bearerToken(c)
		if tokenStr == "" && a.Cfg.AuthMode == "local" {
			tokenStr, _ = c.Cookie(localCookie)
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		var keyf jwt.Keyfunc
		opts := []jwt.ParserOption{}
		switch a.Cfg.AuthMode {
		case "local":
			secret := []byte(a.Cfg.AuthLocalSecret)
			keyf = func(*jwt.Token) (interface{}, error) { return secret, nil }
			opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
		default:
			if a.Keyf == nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "jwks not configured"})
				return
			}
			keyf = a.Keyf
		}

		if a.Cfg.JWTClockSkewSeconds > 0 {
			opts = append(opts, jwt.WithLeeway(time.Duration(a.Cfg.JWTClockSkewSeconds)*time.Second))
		}
		if a.Cfg.OIDCAudience != "" && a.Cfg.AuthMode != "local" {
			opts = append(opts, jwt.WithAudience(a.Cfg.OIDCAudience))
		}
		token, err := jwt.Parse(tokenStr, keyf, opts...)
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		u := AuthUser{
			ExternalID:  getStringClaim(claims, "sub"),
			Email:       getStringClaim(claims, "email"),
			DisplayName: getStringClaim(claims, "name"),
		}
		if u.DisplayName == "" {
			u.DisplayName = getStringClaim(claims, "preferred_username")
		}
		if groups, ok := claims[a.Cfg.OIDCGroupClaim]; ok {
			switch g := groups.(type) {
			case []interface{}:
				for _, v := range g {
					if s, ok := v.(string); ok {
						u.Roles = append(u.Roles, s)
					}
				}
			case []string:
				u.Roles = append(u.Roles, g...)
			case string:
				u.Roles = append(u.Roles, g)
			}
		}
		c.Set("user", u)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func getStringClaim(c jwt.MapClaims, key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Me returns the authenticated user.
func Me(c *gin.Context) {
	u, ok := c.Get("user")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, u)
}

// RequireRole ensures the user has one of the required roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uVal, ok := c.Get("user")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		user, ok := uVal.(AuthUser)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid user"})
			return
		}
		for _, r := range user.Roles {
			if r == "admin" {
				c.Next()
				return
			}
		}
		for _, r := range user.Roles {
			for _, want := range roles {
				if r == want {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// The admin password is hashed once so login compares in constant time.
var (
	adminHashOnce sync.Once
	adminHash     []byte
)

func adminPasswordHash(pw string) []byte {
	adminHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err == nil {
			adminHash = h
		}
	})
	return adminHash
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login issues an HMAC-signed session token in local auth mode. OIDC
// deployments authenticate at the identity provider, not here.
func Login(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.AuthMode != "local" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "login is handled by the identity provider"})
			return
		}
		var req loginReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
			return
		}
		hash := adminPasswordHash(a.Cfg.AdminPassword)
		if req.Username != "admin" || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		now := time.Now()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":    "admin",
			"name":   "Administrator",
			"groups": []string{"admin"},
			"iat":    now.Unix(),
			"exp":    now.Add(12 * time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte(a.Cfg.AuthLocalSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token"})
			return
		}
		c.SetCookie(localCookie, signed, int((12 * time.Hour).Seconds()), "/", "", a.Cfg.Env != "dev", true)
		c.JSON(http.StatusOK, gin.H{"token": signed})
	}
}

// Logout clears the local session cookie.
func Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.SetCookie(localCookie, "", -1, "/", "", false, true)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
