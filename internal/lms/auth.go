package lms

import (
	"context"
	"fmt"
	"log/slog"

	"bbsync/internal/syncerr"
)

// Validate 用 /users/me 检查会话是否有效
// 凭证由外部登录组件提供，这里只负责发现它已失效并向上报告
func (c *Client) Validate(ctx context.Context) (*User, error) {
	u, err := c.Me(ctx)
	if err != nil {
		if syncerr.IsAuth(err) {
			slog.Warn("会话凭证已失效，需要重新登录")
		}
		return nil, fmt.Errorf("validate session: %w", err)
	}
	slog.Debug("会话有效", "user", u.UserName)
	return u, nil
}

// SetSessionCookie 登录组件提供新凭证后替换会话 Cookie
// 只能在两轮同步之间调用
func (c *Client) SetSessionCookie(cookie string) {
	c.opts.SessionCookie = cookie
}
