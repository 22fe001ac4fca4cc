package sharing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// LinkPath is the route a share link points at.
const LinkPath = "/screen-share"

// JoinParam carries the session id in a share link.
const JoinParam = "join"

// Clipboard receives share links.
type Clipboard interface {
	Copy(text string) error
}

// BuildSessionLink returns <origin>/screen-share?join=<sessionID>.
func BuildSessionLink(origin, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("no active session")
	}
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q: scheme and host required", origin)
	}
	u.Path = u.Path + LinkPath
	u.RawQuery = url.Values{JoinParam: []string{sessionID}}.Encode()
	return u.String(), nil
}

// ParseSessionLink extracts the session id from a share link. A bare id is
// returned unchanged.
func ParseSessionLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", errors.New("empty session link")
	}
	if !strings.Contains(link, "?") && !strings.Contains(link, "/") {
		return link, nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid session link: %w", err)
	}
	id := u.Query().Get(JoinParam)
	if id == "" {
		return "", fmt.Errorf("session link has no %q parameter", JoinParam)
	}
	return id, nil
}
