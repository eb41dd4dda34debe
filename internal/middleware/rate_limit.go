package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const (
	LoginMaxAttempts    = 5
	RegisterMaxAttempts = 3

	LoginCooldown    = 15 * time.Minute
	RegisterCooldown = 30 * time.Minute
)

// LoginRateLimit はemail単位でログイン試行を制限する。
// clientがnilならそのまま通す（Redisなし構成）。
func LoginRateLimit(client *redis.Client) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if client == nil {
				return next(c)
			}

			// bodyを読んで戻す（後続のBindのため）
			bodyBytes, _ := io.ReadAll(c.Request().Body)
			c.Request().Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

			var input struct {
				Email string `json:"email"`
			}
			if err := json.Unmarshal(bodyBytes, &input); err != nil || input.Email == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			key := "login_attempts:" + input.Email
			cooldownKey := "login_cooldown:" + input.Email

			// クールダウン中か
			if client.Exists(ctx, cooldownKey).Val() > 0 {
				ttl := client.TTL(ctx, cooldownKey).Val()
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "too many attempts",
					"retry_after": int(ttl.Seconds()),
				})
			}

			// 試行回数チェック
			attempts, _ := client.Get(ctx, key).Int()
			if attempts >= LoginMaxAttempts {
				client.Set(ctx, cooldownKey, "1", LoginCooldown)
				client.Del(ctx, key)
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "too many attempts",
					"retry_after": int(LoginCooldown.Seconds()),
				})
			}

			err := next(c)

			// 失敗（401）なら試行を加算、成功ならリセット
			switch c.Response().Status {
			case http.StatusUnauthorized:
				client.Incr(ctx, key)
				client.Expire(ctx, key, LoginCooldown)
				remaining := LoginMaxAttempts - attempts - 1
				if remaining > 0 {
					c.Response().Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
				}
			case http.StatusOK:
				client.Del(ctx, key)
				client.Del(ctx, cooldownKey)
			}

			return err
		}
	}
}

// RegisterRateLimit はIP単位で登録を制限する。
func RegisterRateLimit(client *redis.Client) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if client == nil {
				return next(c)
			}

			ctx := c.Request().Context()
			ip := c.RealIP()
			key := "register_attempts:" + ip
			cooldownKey := "register_cooldown:" + ip

			if client.Exists(ctx, cooldownKey).Val() > 0 {
				ttl := client.TTL(ctx, cooldownKey).Val()
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "too many registrations",
					"retry_after": int(ttl.Seconds()),
				})
			}

			attempts, _ := client.Get(ctx, key).Int()
			if attempts >= RegisterMaxAttempts {
				client.Set(ctx, cooldownKey, "1", RegisterCooldown)
				client.Del(ctx, key)
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "too many registrations",
					"retry_after": int(RegisterCooldown.Seconds()),
				})
			}

			err := next(c)

			if c.Response().Status == http.StatusCreated {
				client.Incr(ctx, key)
				client.Expire(ctx, key, RegisterCooldown)
			}

			return err
		}
	}
}
