// Package skport claims the Arknights: Endfield daily attendance through the
// signed SKPORT web API.
package skport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"autoclaim/internal/signing"
)

const (
	DefaultBaseURL = "https://zonai.skport.com"
	AttendancePath = "/web/v1/game/endfield/attendance"

	GameName = "Arknights: Endfield"

	platform = "3"
	version  = "1.0.0"

	codeTokenExpired = 10000
)

var (
	ErrInvalidParams = errors.New("skport: invalid account parameters")
	// ErrTokenExpired means the stored cred and signing key must be replaced.
	ErrTokenExpired = errors.New("skport: token expired")
)

var numeric = regexp.MustCompile(`^\d+$`)

// Servers maps the server id to its region.
var Servers = map[string]string{"2": "Asia", "3": "Americas/Europe"}

type Account struct {
	Cred          string
	TokenCacheKey string
	GameID        string
	Server        string
	Language      string
}

// Validate checks the account fields the way the upstream expects them.
func (a Account) Validate() error {
	switch {
	case len(a.Cred) < 10:
		return fmt.Errorf("%w: cred too short", ErrInvalidParams)
	case len(a.TokenCacheKey) < 10:
		return fmt.Errorf("%w: token cache key too short", ErrInvalidParams)
	case !numeric.MatchString(a.GameID):
		return fmt.Errorf("%w: game id must be numeric", ErrInvalidParams)
	}
	if a.Server != "" {
		if _, ok := Servers[a.Server]; !ok {
			return fmt.Errorf("%w: server must be 2 or 3", ErrInvalidParams)
		}
	}
	return nil
}

func (a Account) gameRole() string {
	srv := a.Server
	if srv == "" {
		srv = "2"
	}
	return platform + "_" + a.GameID + "_" + srv
}

type Reward struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
	Icon  string `json:"icon"`
}

type Result struct {
	Success      bool
	Already      bool
	TokenExpired bool
	Message      string
	Rewards      []Reward
}

type Client struct {
	http    *http.Client
	baseURL string
	now     func() time.Time
}

func New(c *http.Client, baseURL string) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: c, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

type attendanceResp struct {
	Code    *int   `json:"code"`
	Retcode *int   `json:"retcode"`
	Msg     string `json:"msg"`
	Message string `json:"message"`
	Data    struct {
		AwardIDs        []awardID         `json:"awardIds"`
		ResourceInfoMap map[string]Reward `json:"resourceInfoMap"`
		HasToday        bool              `json:"hasToday"`
	} `json:"data"`
}

type awardID struct {
	ID string `json:"id"`
}

// Claim posts the attendance check-in. Transport failures return an error;
// upstream refusals come back as an unsuccessful Result.
func (c *Client) Claim(ctx context.Context, a Account) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}
	lang := a.Language
	if lang == "" {
		lang = "en"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+AttendancePath, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", "https://game.skport.com/")
	req.Header.Set("Origin", "https://game.skport.com")
	req.Header["cred"] = []string{a.Cred}
	req.Header["sk-game-role"] = []string{a.gameRole()}
	req.Header["sk-language"] = []string{lang}

	// The JSON body goes out but the signature covers an empty body.
	sr := signing.NewRequest(http.MethodPost, AttendancePath, "", c.now(), platform, version)
	if err := signing.Apply(req.Header, sr, a.TokenCacheKey); err != nil {
		return Result{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("skport: attendance: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("skport: read: %w", err)
	}
	var ar attendanceResp
	_ = json.Unmarshal(body, &ar)
	msg := ar.Msg
	if msg == "" {
		msg = ar.Message
	}

	if resp.StatusCode != http.StatusOK {
		if msg == "" {
			msg = "Request failed"
		}
		return Result{Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)}, nil
	}
	return interpret(ar, msg), nil
}

func interpret(ar attendanceResp, msg string) Result {
	code := ar.Code
	if code == nil {
		code = ar.Retcode
	}
	if code != nil && *code == codeTokenExpired {
		return Result{TokenExpired: true, Message: "Token expired, update the cred and token cache key"}
	}
	if code != nil && *code == 0 {
		if msg == "" || msg == "OK" {
			msg = "Check-in successful"
		}
		var rewards []Reward
		for _, a := range ar.Data.AwardIDs {
			if info, ok := ar.Data.ResourceInfoMap[a.ID]; ok && a.ID != "" {
				rewards = append(rewards, info)
			}
		}
		return Result{Success: true, Message: msg, Rewards: rewards}
	}
	// Upstream exposes no status code for a repeated check-in.
	if strings.Contains(strings.ToLower(msg), "already") || ar.Data.HasToday {
		return Result{Success: true, Already: true, Message: "Already checked in today"}
	}
	if msg == "" {
		msg = "Attendance response received"
	}
	return Result{Message: msg}
}

// Summary renders a result as a single notification line.
func (r Result) Summary() string {
	switch {
	case r.TokenExpired:
		return "⚠️ " + GameName + ": " + r.Message
	case r.Already:
		return "✅ " + GameName + ": Already claimed today"
	case !r.Success:
		return "❌ " + GameName + ": " + r.Message
	}
	var b strings.Builder
	b.WriteString("✅ " + GameName + ": " + r.Message)
	for _, rw := range r.Rewards {
		n := rw.Count
		if n == 0 {
			n = 1
		}
		fmt.Fprintf(&b, "\n• %s x%d", rw.Name, n)
	}
	return b.String()
}

// Err is nil for a successful or repeated check-in.
func (r Result) Err() error {
	switch {
	case r.Success:
		return nil
	case r.TokenExpired:
		return ErrTokenExpired
	}
	return fmt.Errorf("skport: %s", r.Message)
}
