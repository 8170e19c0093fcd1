package devserver

import (
	"net/http"
	"strconv"

	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/transport"
	apperrors "chat-sync-demo/client/pkg/errors"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// identity is the caller as described by the X-* request headers
type identity struct {
	UserID   int64
	Username string
	Nickname string
	Color    string
	Badge    string
}

func identityFromHeader(h http.Header) (identity, bool) {
	uid, err := strconv.ParseInt(h.Get(transport.HeaderUserID), 10, 64)
	if err != nil || uid <= 0 {
		return identity{}, false
	}
	id := identity{
		UserID:   uid,
		Username: h.Get(transport.HeaderUsername),
		Nickname: h.Get(transport.HeaderNickname),
		Color:    h.Get(transport.HeaderColor),
		Badge:    h.Get(transport.HeaderBadge),
	}
	if id.Username == "" {
		return identity{}, false
	}
	if id.Nickname == "" {
		id.Nickname = id.Username
	}
	return id, true
}

func (id identity) displayName() string {
	if id.Nickname != "" {
		return id.Nickname
	}
	return id.Username
}

func (id identity) onlineUser() models.OnlineUser {
	return models.OnlineUser{
		Username: id.Username,
		Nickname: id.Nickname,
		Color:    id.Color,
		Badge:    id.Badge,
	}
}

// stamp fills the author fields of msg
func (id identity) stamp(msg models.Message) models.Message {
	msg.AuthorID = id.UserID
	msg.Username = id.Username
	msg.Nickname = id.Nickname
	msg.Color = id.Color
	msg.Badge = id.Badge
	return msg
}

// requireIdentity rejects requests that carry no usable identity headers
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identityFromHeader(c.Request.Header)
		if !ok {
			c.Error(apperrors.NewError(http.StatusUnauthorized, apperrors.CodeUnauthorized, "identity headers missing or invalid"))
			c.Abort()
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(identity)
	return id
}
