package bootstrap

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"chat-sync-demo/client/pkg/errors"
)

const defaultColor = "#000000"

// Identity is the immutable session identity read once at startup
type Identity struct {
	RoomID   string `json:"room_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Color    string `json:"color"`
	Badge    string `json:"badge"`
}

// DisplayName returns the nickname, falling back to the username
func (id Identity) DisplayName() string {
	if id.Nickname != "" {
		return id.Nickname
	}
	return id.Username
}

type document struct {
	RoomID   json.RawMessage `json:"room_id"`
	UserID   int64           `json:"user_id"`
	Username string          `json:"username"`
	Nickname string          `json:"nickname"`
	Color    string          `json:"color"`
	Badge    *string         `json:"badge"`
}

// Load reads and parses a bootstrap document from disk
func Load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return Identity{}, errors.NewBootstrapError(errors.CodeBootstrapMissing, "bootstrap document not found: "+path, err)
		}
		return Identity{}, errors.NewBootstrapError(errors.CodeBootstrapMissing, "bootstrap document unreadable: "+path, err)
	}
	return Parse(data)
}

// Parse decodes a bootstrap document. The room id may be a string or a number.
func Parse(data []byte) (Identity, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Identity{}, errors.NewBootstrapError(errors.CodeBootstrapMissing, "bootstrap document is empty", nil)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Identity{}, errors.NewBootstrapError(errors.CodeBootstrapInvalid, "bootstrap document is malformed", err)
	}

	roomID, err := decodeRoomID(doc.RoomID)
	if err != nil {
		return Identity{}, errors.NewBootstrapError(errors.CodeBootstrapInvalid, "room_id must be a string or number", err)
	}
	if roomID == "" {
		return Identity{}, errors.NewBootstrapError(errors.CodeBootstrapInvalid, "room_id is required", nil)
	}

	id := Identity{
		RoomID:   roomID,
		UserID:   doc.UserID,
		Username: doc.Username,
		Nickname: doc.Nickname,
		Color:    doc.Color,
	}
	if doc.Badge != nil {
		id.Badge = *doc.Badge
	}
	if id.Nickname == "" {
		id.Nickname = id.Username
	}
	if id.Color == "" {
		id.Color = defaultColor
	}
	return id, nil
}

func decodeRoomID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}
