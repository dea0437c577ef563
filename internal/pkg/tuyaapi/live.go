package tuyaapi

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
	"github.com/jake-scott/tuya-bridge/internal/pkg/tuyasign"
)

// ErrNotAuthenticated is returned by Get/Post before Connect has succeeded
var ErrNotAuthenticated = errors.New("tuya client has no token, call Connect() first")

// A 1010 response earns one re-login and one retry of the call, no more
const maxTokenRetries = 1

// session is shared by all copies of a Live client
type session struct {
	mu    sync.RWMutex
	token *Token
	group singleflight.Group
}

var _ Client = (*Live)(nil)

type Live struct {
	creds      Credentials
	timeout    time.Duration
	httpClient *http.Client
	now        func() time.Time
	sess       *session
}

func NewLiveClient(creds Credentials) *Live {
	if creds.Lang == "" {
		creds.Lang = DefaultLang
	}
	if creds.Schema == "" {
		creds.Schema = DefaultSchema
	}

	return &Live{
		creds:      creds,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		now:        time.Now,
		sess:       &session{},
	}
}

func (c *Live) WithTimeout(d time.Duration) *Live {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) WithHTTPClient(hc *http.Client) *Live {
	nc := *c
	nc.httpClient = hc
	return &nc
}

func (c *Live) WithClock(now func() time.Time) *Live {
	nc := *c
	nc.now = now
	return &nc
}

func (c *Live) MakeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	return ctx, cancel
}

func (c *Live) Token() *Token {
	c.sess.mu.RLock()
	defer c.sess.mu.RUnlock()
	return c.sess.token
}

func (c *Live) setToken(t *Token) {
	c.sess.mu.Lock()
	c.sess.token = t
	c.sess.mu.Unlock()
}

func (c *Live) UID() string {
	if t := c.Token(); t != nil {
		return t.UID
	}
	return ""
}

func (c *Live) Close() {
	c.setToken(nil)
}

// The response envelope common to every endpoint
type response struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
	T       int64           `json:"t"`
}

// do performs one signed call, with no token management
func (c *Live) do(ctx context.Context, method, path string, params map[string]string, body interface{}, out interface{}, accessToken string) error {
	log := logging.Component("api")

	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return errors.Wrapf(err, "encoding request body for %s", path)
		}
	}

	sign, ts := tuyasign.Sign(tuyasign.Request{
		Method:       method,
		Path:         path,
		Params:       params,
		Body:         bodyBytes,
		AccessToken:  accessToken,
		ClientID:     c.creds.AccessID,
		ClientSecret: c.creds.AccessSecret,
	}, c.now())

	u := strings.TrimRight(c.creds.Endpoint, "/") + path
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	ctx, cancel := c.MakeContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "building request for %s", path)
	}

	req.Header.Set("client_id", c.creds.AccessID)
	req.Header.Set("sign", sign)
	req.Header.Set("sign_method", tuyasign.Method)
	req.Header.Set("access_token", accessToken)
	req.Header.Set("t", strconv.FormatInt(ts, 10))
	req.Header.Set("lang", c.creds.Lang)
	req.Header.Set("Content-Type", "application/json")

	log.Debugf("%s %s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "reading response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{
			Op:  method + " " + path,
			Err: errors.Errorf("non-2xx code: %d (%s): %s", resp.StatusCode, resp.Status, respBytes),
		}
	}

	var envelope response
	if err := json.Unmarshal(respBytes, &envelope); err != nil {
		return &TransportError{Op: "decoding response envelope", Err: err}
	}

	if !envelope.Success {
		if envelope.Code == codeTokenInvalid {
			return &TokenExpiredError{APIError{Code: envelope.Code, Message: envelope.Msg}}
		}
		return &APIError{Code: envelope.Code, Message: envelope.Msg}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return errors.Wrapf(err, "decoding result of %s", path)
		}
	}

	return nil
}

// request wraps do with token refresh and the bounded 1010 retry
func (c *Live) request(ctx context.Context, method, path string, params map[string]string, body interface{}, out interface{}) error {
	for attempt := 0; ; attempt++ {
		tok, err := c.validToken(ctx)
		if err != nil {
			return err
		}

		err = c.do(ctx, method, path, params, body, out, tok.AccessToken)

		var expired *TokenExpiredError
		if !errors.As(err, &expired) || attempt >= maxTokenRetries {
			return err
		}

		logging.Component("api").Warnf("token rejected on %s %s, logging in again", method, path)
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
}

func (c *Live) Get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	return c.request(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Live) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.request(ctx, http.MethodPost, path, nil, body, out)
}

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	CountryCode string `json:"country_code"`
	Schema      string `json:"schema"`
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Connect logs in.  Callers arriving while a login is in flight wait for
// it and share its result.
func (c *Live) Connect(ctx context.Context) error {
	_, err, shared := c.sess.group.Do("login", func() (interface{}, error) {
		return nil, c.login(ctx)
	})
	if shared {
		logging.Component("api").Debug("joined in-flight login")
	}

	return err
}

func (c *Live) login(ctx context.Context) error {
	log := logging.Component("api")

	req := loginRequest{
		Username:    c.creds.Username,
		Password:    md5Hex(c.creds.Password),
		CountryCode: c.creds.CountryCode,
		Schema:      c.creds.Schema,
	}

	var res tokenResult
	if err := c.do(ctx, http.MethodPost, LoginPath, nil, req, &res, ""); err != nil {
		var apiErr *APIError
		var expired *TokenExpiredError
		switch {
		case errors.As(err, &apiErr):
			return &AuthError{Code: apiErr.Code, Message: apiErr.Message}
		case errors.As(err, &expired):
			return &AuthError{Code: expired.Code, Message: expired.Message}
		}
		return err
	}

	tok := res.token(c.now())
	c.setToken(tok)
	log.Infof("logged in: %s", tok)

	return nil
}

// validToken returns a token good for at least another minute,
// refreshing it first if required
func (c *Live) validToken(ctx context.Context) (*Token, error) {
	tok := c.Token()
	if tok == nil {
		return nil, ErrNotAuthenticated
	}

	if !tok.ShouldRefresh(c.now()) {
		return tok, nil
	}

	v, err, _ := c.sess.group.Do("refresh", func() (interface{}, error) {
		cur := c.Token()
		if cur != nil && !cur.ShouldRefresh(c.now()) {
			return cur, nil
		}
		if cur == nil {
			cur = tok
		}
		return c.refresh(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Token), nil
}

func (c *Live) refresh(ctx context.Context, old *Token) (*Token, error) {
	log := logging.Component("api")
	log.Debug("refreshing access token")

	var res tokenResult
	err := c.do(ctx, http.MethodGet, RefreshPathPre+old.RefreshToken, nil, nil, &res, "")
	if err == nil {
		tok := res.token(c.now())
		c.setToken(tok)
		log.Infof("refreshed token: %s", tok)
		return tok, nil
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return nil, err
	}

	log.WithError(err).Warn("token refresh rejected, logging in again")
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	tok := c.Token()
	if tok == nil {
		return nil, ErrNotAuthenticated
	}
	return tok, nil
}
