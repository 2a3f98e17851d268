// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
)

// CookieName carries the login token for browser clients. Other clients
// send "Authorization: Bearer <token>".
const CookieName = "emhub_session"

const userKey = "emhub.user"

type tokenEntry struct {
	userID  int
	expires time.Time
}

// tokenStore maps opaque login tokens to user ids. Tokens expire after ttl
// without use.
type tokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	tokens map[string]tokenEntry
}

func newTokenStore(ttl time.Duration, now func() time.Time) *tokenStore {
	return &tokenStore{ttl: ttl, now: now, tokens: map[string]tokenEntry{}}
}

func (t *tokenStore) issue(userID int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, e := range t.tokens {
		if now.After(e.expires) {
			delete(t.tokens, k)
		}
	}
	token := uuid.NewString()
	t.tokens[token] = tokenEntry{userID: userID, expires: now.Add(t.ttl)}
	return token
}

func (t *tokenStore) lookup(token string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tokens[token]
	if !ok {
		return 0, false
	}
	now := t.now()
	if now.After(e.expires) {
		delete(t.tokens, token)
		return 0, false
	}
	e.expires = now.Add(t.ttl)
	t.tokens[token] = e
	return e.userID, true
}

func (t *tokenStore) revoke(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, token)
}

func requestToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if v, err := c.Cookie(CookieName); err == nil {
		return v
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	u, err := s.store.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.fail(c, err)
		return
	}
	if u == nil || !u.IsActive() || !u.CheckPassword(req.Password) {
		logging.Warnf("failed login for '%s' from %s", req.Username, c.ClientIP())
		s.fail(c, fmt.Errorf("%w: Invalid username or password", errUnauthorized))
		return
	}
	token := s.tokens.issue(u.ID)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, int(s.opts.SessionTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token, "user": u})
}

func (s *Server) logout(c *gin.Context) {
	s.tokens.revoke(requestToken(c))
	c.SetCookie(CookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, "OK")
}

// requireUser resolves the login token to an active user and attributes
// store operations of the request to it.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.tokens.lookup(requestToken(c))
		if !ok {
			s.fail(c, fmt.Errorf("%w: Login required", errUnauthorized))
			return
		}
		u, err := s.store.GetUser(c.Request.Context(), id)
		if err != nil || !u.IsActive() {
			s.fail(c, fmt.Errorf("%w: Login required", errUnauthorized))
			return
		}
		c.Set(userKey, u)
		c.Request = c.Request.WithContext(db.WithActor(c.Request.Context(), u.ID))
		c.Next()
	}
}

func currentUser(c *gin.Context) *model.User {
	if v, ok := c.Get(userKey); ok {
		u, _ := v.(*model.User)
		return u
	}
	return nil
}
