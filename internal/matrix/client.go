package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const apiPrefix = "/_matrix/client/v3"

type Options struct {
	Homeserver        string
	UserID            string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the default client; its Timeout must exceed the sync timeout.
	HTTPClient *http.Client
}

// Client talks to a homeserver over the client-server HTTP API.
// It remembers the rooms the bot is joined to from sync and join responses.
type Client struct {
	base    string
	userID  string
	http    *http.Client
	limiter *rate.Limiter
	txn     *sonyflake.Sonyflake
	log     *zap.Logger

	mu       sync.RWMutex
	token    string
	deviceID string
	joined   map[string]struct{}
}

func New(opt Options, log *zap.Logger) (*Client, error) {
	if opt.Homeserver == "" {
		return nil, fmt.Errorf("matrix: missing homeserver")
	}
	if opt.UserID == "" {
		return nil, fmt.Errorf("matrix: missing user id")
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = 40 * time.Second
	}
	if opt.RequestsPerSecond <= 0 {
		opt.RequestsPerSecond = 10
	}
	if opt.Burst <= 0 {
		opt.Burst = 20
	}
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opt.RequestTimeout}
	}

	// pid keeps ids unique per process without requiring a private IPv4 address
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return uint16(os.Getpid()), nil },
	})
	if sf == nil {
		return nil, fmt.Errorf("matrix: sonyflake init failed")
	}

	return &Client{
		base:    strings.TrimRight(normalizeBase(opt.Homeserver), "/"),
		userID:  opt.UserID,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(opt.RequestsPerSecond), opt.Burst),
		txn:     sf,
		log:     log.Named("matrix"),
		joined:  make(map[string]struct{}),
	}, nil
}

func normalizeBase(hs string) string {
	if !strings.HasPrefix(hs, "http://") && !strings.HasPrefix(hs, "https://") {
		return "https://" + hs
	}
	return hs
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// SetAccessToken installs a token obtained elsewhere (tests, restored sessions).
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

/* ---------------- joined rooms ---------------- */

// IsJoined answers from the bot's synced room list; it never calls the server.
func (c *Client) IsJoined(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.joined[roomID]
	return ok
}

func (c *Client) JoinedRooms() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Client) markJoined(roomID string, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.joined[roomID] = struct{}{}
	} else {
		delete(c.joined, roomID)
	}
}

/* ---------------- room operations ---------------- */

func (c *Client) Invite(ctx context.Context, roomID, userID string) error {
	p := apiPrefix + "/rooms/" + url.PathEscape(roomID) + "/invite"
	return c.do(ctx, http.MethodPost, p, nil, map[string]string{"user_id": userID}, nil)
}

// Join joins a room by id or alias and returns the joined room id.
func (c *Client) Join(ctx context.Context, roomRef string) (string, error) {
	var out roomIDResp
	p := apiPrefix + "/join/" + url.PathEscape(roomRef)
	if err := c.do(ctx, http.MethodPost, p, nil, struct{}{}, &out); err != nil {
		return "", err
	}
	if out.RoomID == "" {
		out.RoomID = roomRef
	}
	c.markJoined(out.RoomID, true)
	return out.RoomID, nil
}

// JoinedMembers returns the sorted user ids currently joined to roomID.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	var out joinedMembersResp
	p := apiPrefix + "/rooms/" + url.PathEscape(roomID) + "/joined_members"
	if err := c.do(ctx, http.MethodGet, p, nil, nil, &out); err != nil {
		return nil, err
	}
	users := make([]string, 0, len(out.Joined))
	for u := range out.Joined {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var out roomIDResp
	p := apiPrefix + "/directory/room/" + url.PathEscape(alias)
	if err := c.do(ctx, http.MethodGet, p, nil, nil, &out); err != nil {
		return "", err
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("matrix: alias %s resolved without room_id", alias)
	}
	return out.RoomID, nil
}

// StateEvent decodes the content of one state event into out.
func (c *Client) StateEvent(ctx context.Context, roomID, evType, stateKey string, out any) error {
	p := apiPrefix + "/rooms/" + url.PathEscape(roomID) + "/state/" + url.PathEscape(evType) + "/" + url.PathEscape(stateKey)
	return c.do(ctx, http.MethodGet, p, nil, nil, out)
}

func (c *Client) PowerLevels(ctx context.Context, roomID string) (*PowerLevels, error) {
	var pl PowerLevels
	if err := c.StateEvent(ctx, roomID, EventPowerLevels, "", &pl); err != nil {
		return nil, err
	}
	return &pl, nil
}

// RoomName returns the room's display name, or "" when none is set.
func (c *Client) RoomName(ctx context.Context, roomID string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	err := c.StateEvent(ctx, roomID, EventRoomName, "", &out)
	var me *Error
	if errors.As(err, &me) && me.ErrCode == ErrCodeNotFound {
		return "", nil
	}
	return out.Name, err
}

func (c *Client) CanonicalAlias(ctx context.Context, roomID string) (string, error) {
	var out struct {
		Alias string `json:"alias"`
	}
	err := c.StateEvent(ctx, roomID, EventAlias, "", &out)
	var me *Error
	if errors.As(err, &me) && me.ErrCode == ErrCodeNotFound {
		return "", nil
	}
	return out.Alias, err
}

// IsSpace reports whether the room was created with type m.space.
func (c *Client) IsSpace(ctx context.Context, roomID string) (bool, error) {
	var out struct {
		Type string `json:"type"`
	}
	if err := c.StateEvent(ctx, roomID, EventCreate, "", &out); err != nil {
		return false, err
	}
	return out.Type == RoomTypeSpace, nil
}

func (c *Client) SendNotice(ctx context.Context, roomID, body string) error {
	id, err := c.txn.NextID()
	if err != nil {
		return fmt.Errorf("matrix: txn id: %w", err)
	}
	p := apiPrefix + "/rooms/" + url.PathEscape(roomID) + "/send/" + EventMessage + "/" + strconv.FormatUint(id, 10)
	return c.do(ctx, http.MethodPut, p, nil, messageContent{MsgType: "m.notice", Body: body}, nil)
}

/* ---------------- transport ---------------- */

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	return c.request(ctx, method, path, q, in, out, true)
}

func (c *Client) request(ctx context.Context, method, path string, q url.Values, in, out any, auth bool) error {
	token := c.accessToken()
	if auth && token == "" {
		return ErrNotLoggedIn
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		me := &Error{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(b, me)
		if me.RetryAfterMs == 0 {
			if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				me.RetryAfterMs = int64(s) * 1000
			}
		}
		return me
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}
