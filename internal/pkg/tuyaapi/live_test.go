package tuyaapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/tuya-bridge/internal/pkg/tuyasign"
)

const (
	testID     = "access-id"
	testSecret = "access-secret"
)

// fakeCloud is a stub Tuya OpenAPI.  Handlers registered per path
// return the envelope fields; signature checking is always on.
type fakeCloud struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	routes map[string]func(r *http.Request, body []byte) (bool, int, interface{})
	order  []string

	logins    int32
	loginGate chan struct{}
	tokenSeq  int32
}

func newFakeCloud(t *testing.T) *fakeCloud {
	fc := &fakeCloud{
		t:      t,
		routes: make(map[string]func(*http.Request, []byte) (bool, int, interface{})),
	}

	fc.route(http.MethodPost, LoginPath, func(r *http.Request, body []byte) (bool, int, interface{}) {
		atomic.AddInt32(&fc.logins, 1)
		if fc.loginGate != nil {
			<-fc.loginGate
		}

		var req loginRequest
		require.NoError(t, json.Unmarshal(body, &req))
		if req.Password != md5Hex("pw") {
			return false, 2406, nil
		}
		return true, 0, fc.newToken(7200)
	})

	fc.srv = httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCloud) newToken(expire int64) tokenResult {
	n := atomic.AddInt32(&fc.tokenSeq, 1)
	return tokenResult{
		AccessToken:  fmt.Sprintf("at-%d", n),
		RefreshToken: fmt.Sprintf("rt-%d", n),
		UID:          "uid-1",
		ExpireTime:   expire,
	}
}

func (fc *fakeCloud) route(method, path string, h func(*http.Request, []byte) (bool, int, interface{})) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.routes[method+" "+path] = h
}

func (fc *fakeCloud) calls() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string{}, fc.order...)
}

func verifySignature(r *http.Request, body []byte) bool {
	params := map[string]string{}
	for k, v := range r.URL.Query() {
		params[k] = v[0]
	}

	msg := r.Header.Get("client_id") + r.Header.Get("access_token") + r.Header.Get("t") +
		tuyasign.StringToSign(r.Method, r.URL.Path, params, body)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(msg))

	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil))) == r.Header.Get("sign")
}

func (fc *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	key := r.Method + " " + r.URL.Path
	fc.mu.Lock()
	fc.order = append(fc.order, key)
	h, ok := fc.routes[key]
	if !ok && r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, RefreshPathPre) {
		h, ok = fc.routes["GET "+RefreshPathPre]
	}
	fc.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	assert.Equal(fc.t, testID, r.Header.Get("client_id"))
	assert.Equal(fc.t, "HMAC-SHA256", r.Header.Get("sign_method"))
	assert.Equal(fc.t, "en", r.Header.Get("lang"))
	assert.NotEmpty(fc.t, r.Header.Get("t"))
	assert.True(fc.t, verifySignature(r, body), "bad signature on %s", key)

	success, code, result := h(r, body)
	resp := map[string]interface{}{"success": success, "code": code, "msg": "stub", "t": time.Now().UnixNano() / 1e6}
	if result != nil {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (fc *fakeCloud) client() *Live {
	return NewLiveClient(Credentials{
		AccessID:     testID,
		AccessSecret: testSecret,
		Username:     "user@example.com",
		Password:     "pw",
		Endpoint:     fc.srv.URL,
		CountryCode:  "44",
	})
}

func TestShouldRefresh(t *testing.T) {
	expire := time.Unix(10000, 0)

	assert.False(t, ShouldRefresh(expire.Add(-61*time.Second), expire))
	assert.True(t, ShouldRefresh(expire.Add(-60*time.Second), expire))
	assert.True(t, ShouldRefresh(expire.Add(-59*time.Second), expire))
	assert.True(t, ShouldRefresh(expire.Add(time.Hour), expire))
}

func TestTokenStringObfuscates(t *testing.T) {
	tok := Token{AccessToken: "secret-access", RefreshToken: "secret-refresh", UID: "u"}
	s := tok.String()
	assert.NotContains(t, s, "secret-access")
	assert.NotContains(t, s, "secret-refresh")
	assert.Contains(t, s, "u")
}

func TestConnect(t *testing.T) {
	fc := newFakeCloud(t)
	c := fc.client()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "uid-1", c.UID())
	require.NotNil(t, c.Token())
	assert.Equal(t, "at-1", c.Token().AccessToken)

	c.Close()
	assert.Nil(t, c.Token())
	assert.Equal(t, "", c.UID())
}

func TestConnectRejected(t *testing.T) {
	fc := newFakeCloud(t)
	c := NewLiveClient(Credentials{
		AccessID: testID, AccessSecret: testSecret, Password: "wrong", Endpoint: fc.srv.URL,
	})

	err := c.Connect(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, 2406, authErr.Code)
	assert.False(t, IsRetryable(err))
	assert.Nil(t, c.Token())
}

func TestRequestBeforeConnect(t *testing.T) {
	fc := newFakeCloud(t)
	err := fc.client().Get(context.Background(), HealthPath, nil, nil)
	assert.Equal(t, ErrNotAuthenticated, err)
}

func TestGetDecodesResultWithParams(t *testing.T) {
	fc := newFakeCloud(t)
	fc.route(http.MethodGet, "/v1.0/devices", func(r *http.Request, body []byte) (bool, int, interface{}) {
		assert.Equal(t, "at-1", r.Header.Get("access_token"))
		assert.Equal(t, "10", r.URL.Query().Get("page_size"))
		assert.Equal(t, "a b", r.URL.Query().Get("name"))
		return true, 0, map[string]interface{}{"total": 3}
	})

	c := fc.client()
	require.NoError(t, c.Connect(context.Background()))

	var out struct {
		Total int `json:"total"`
	}
	require.NoError(t, c.Get(context.Background(), "/v1.0/devices", map[string]string{"page_size": "10", "name": "a b"}, &out))
	assert.Equal(t, 3, out.Total)
}

func TestPostSendsSignedBody(t *testing.T) {
	fc := newFakeCloud(t)
	var got []byte
	fc.route(http.MethodPost, "/v1.0/devices/d1/commands", func(r *http.Request, body []byte) (bool, int, interface{}) {
		got = body
		return true, 0, true
	})

	c := fc.client()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Post(context.Background(), "/v1.0/devices/d1/commands",
		map[string]interface{}{"commands": []map[string]interface{}{{"code": "switch", "value": true}}}, nil))
	assert.JSONEq(t, `{"commands":[{"code":"switch","value":true}]}`, string(got))
}

func TestRefreshBeforeExpiry(t *testing.T) {
	fc := newFakeCloud(t)
	fc.route(http.MethodGet, RefreshPathPre, func(r *http.Request, body []byte) (bool, int, interface{}) {
		assert.Equal(t, RefreshPathPre+"rt-1", r.URL.Path)
		assert.Equal(t, "", r.Header.Get("access_token"))
		return true, 0, fc.newToken(7200)
	})
	fc.route(http.MethodGet, HealthPath, func(r *http.Request, body []byte) (bool, int, interface{}) {
		assert.Equal(t, "at-2", r.Header.Get("access_token"))
		return true, 0, nil
	})

	start := time.Now()
	var offset int64
	c := fc.client().WithClock(func() time.Time {
		return start.Add(time.Duration(atomic.LoadInt64(&offset)))
	})
	require.NoError(t, c.Connect(context.Background()))

	// 30s before expiry is inside the refresh window
	atomic.StoreInt64(&offset, int64(7200*time.Second-30*time.Second))
	require.NoError(t, c.Get(context.Background(), HealthPath, nil, nil))

	assert.Equal(t, []string{"POST " + LoginPath, "GET " + RefreshPathPre + "rt-1", "GET " + HealthPath}, fc.calls())
	assert.Equal(t, "rt-2", c.Token().RefreshToken)
}

func TestNoRefreshOutsideWindow(t *testing.T) {
	fc := newFakeCloud(t)
	fc.route(http.MethodGet, HealthPath, func(r *http.Request, body []byte) (bool, int, interface{}) {
		return true, 0, nil
	})

	start := time.Now()
	c := fc.client().WithClock(func() time.Time { return start })
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Get(context.Background(), HealthPath, nil, nil))

	assert.Equal(t, []string{"POST " + LoginPath, "GET " + HealthPath}, fc.calls())
}

func TestRejectedRefreshFallsBackToLogin(t *testing.T) {
	fc := newFakeCloud(t)
	fc.route(http.MethodGet, RefreshPathPre, func(r *http.Request, body []byte) (bool, int, interface{}) {
		return false, 1011, nil
	})
	fc.route(http.MethodGet, HealthPath, func(r *http.Request, body []byte) (bool, int, interface{}) {
		return true, 0, nil
	})

	start := time.Now()
	var offset int64
	c := fc.client().WithClock(func() time.Time {
		return start.Add(time.Duration(atomic.LoadInt64(&offset)))
	})
	require.NoError(t, c.Connect(context.Background()))
	atomic.StoreInt64(&offset, int64(7200*time.Second))

	require.NoError(t, c.Get(context.Background(), HealthPath, nil, nil))
	assert.EqualValues(t, 2, atomic.LoadInt32(&fc.logins))
}

func TestTokenInvalidRetriedOnce(t *testing.T) {
	fc := newFakeCloud(t)
	var calls int32
	fc.route(http.MethodGet, HealthPath, func(r *http.Request, body []byte) (bool, int, interface{}) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return false, 1010, nil
		}
		assert.Equal(t, "at-2", r.Header.Get("access_token"))
		return true, 0, nil
	})

	c := fc.client()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Get(context.Background(), HealthPath, nil, nil))

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&fc.logins))
}

func TestTokenInvalidRetryIsBounded(t *testing.T) {
	fc := newFakeCloud(t)
	var calls int32
	fc.route(http.MethodGet, HealthPath, func(r *http.Request, body []byte) (bool, int, interface{}) {
		atomic.AddInt32(&calls, 1)
		return false, 1010, nil
	})

	c := fc.client()
	require.NoError(t, c.Connect(context.Background()))

	err := c.Get(context.Background(), HealthPath, nil, nil)
	var expired *TokenExpiredError
	require.True(t, errors.As(err, &expired), "got %v", err)
	assert.Equal(t, 1010, expired.Code)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&fc.logins))
}

func TestAPIErrorNotRetried(t *testing.T) {
	fc := newFakeCloud(t)
	var calls int32
	fc.route(http.MethodPost, "/v1.0/devices/d1/commands", func(r *http.Request, body []byte) (bool, int, interface{}) {
		atomic.AddInt32(&calls, 1)
		return false, 2008, nil
	})

	c := fc.client()
	require.NoError(t, c.Connect(context.Background()))

	err := c.Post(context.Background(), "/v1.0/devices/d1/commands", map[string]interface{}{}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 2008, apiErr.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.True(t, IsRetryable(err))
}

func TestTimeoutIsTransportError(t *testing.T) {
	fc := newFakeCloud(t)
	fc.route(http.MethodGet, HealthPath, func(r *http.Request, body []byte) (bool, int, interface{}) {
		time.Sleep(300 * time.Millisecond)
		return true, 0, nil
	})

	c := fc.client().WithTimeout(50 * time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Get(context.Background(), HealthPath, nil, nil)
	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr), "got %v", err)
	assert.True(t, IsRetryable(err))
}

func TestHTTPStatusIsTransportError(t *testing.T) {
	fc := newFakeCloud(t)
	c := fc.client()
	require.NoError(t, c.Connect(context.Background()))

	err := c.Get(context.Background(), "/v1.0/unrouted", nil, nil)
	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr), "got %v", err)
}

func TestConcurrentConnectCollapses(t *testing.T) {
	fc := newFakeCloud(t)
	fc.loginGate = make(chan struct{})
	c := fc.client()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fc.logins) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(fc.loginGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&fc.logins))
}
