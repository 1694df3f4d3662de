package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resolveTo pins every hostname to a fixed IP, keeping tests off real DNS.
func resolveTo(ip string) func(ctx context.Context, host string) ([]net.IP, error) {
	return func(context.Context, string) ([]net.IP, error) {
		return []net.IP{net.ParseIP(ip)}, nil
	}
}

func TestRejectsPrivateAddresses(t *testing.T) {
	cases := map[string]string{
		"loopback":      "127.0.0.1",
		"private_10":    "10.1.2.3",
		"private_172":   "172.16.0.1",
		"private_192":   "192.168.1.1",
		"link_local":    "169.254.169.254",
		"unspecified":   "0.0.0.0",
		"this_network":  "0.1.2.3",
		"v6_loopback":   "::1",
		"v6_ula":        "fd00::1",
		"v6_link_local": "fe80::1",
		"v4_in_v6":      "::ffff:192.168.0.1",
	}
	for name, ip := range cases {
		t.Run(name, func(t *testing.T) {
			c := New(Options{Resolver: resolveTo(ip)})
			_, err := c.Get(context.Background(), "https://peer.example/actor")
			assert.ErrorIs(t, err, ErrPrivateIP)
		})
	}
}

func TestRejectsNonHTTPSSchemes(t *testing.T) {
	c := New(Options{Resolver: resolveTo("203.0.113.10")})

	_, err := c.Get(context.Background(), "http://peer.example/actor")
	assert.ErrorIs(t, err, ErrSchemeNotAllowed)

	_, err = c.Get(context.Background(), "ftp://peer.example/actor")
	assert.ErrorIs(t, err, ErrSchemeNotAllowed)

	_, err = c.Get(context.Background(), "https:///nohost")
	assert.ErrorIs(t, err, ErrEmptyHost)
}

func TestDevModeAllowsLoopbackHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true})
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
	assert.Contains(t, string(resp.Body), "ok")
}

func TestRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true})
	_, err := c.Get(context.Background(), srv.URL+"/start")
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestRedirectFollowedWithinLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, srv.URL+"/final", http.StatusMovedPermanently)
			return
		}
		w.Write([]byte("arrived"))
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true})
	resp, err := c.Get(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, "arrived", string(resp.Body))
}

func TestPostNeverFollowsRedirects(t *testing.T) {
	var hits int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, srv.URL+"/elsewhere", http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true})
	resp, err := c.Post(context.Background(), srv.URL+"/inbox", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, 1, hits)
	assert.False(t, resp.Succeeded())
}

func TestResponseSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a", 2048))
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true, MaxBodySize: 1024})
	_, err := c.Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestSignFuncReceivesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Signature"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	body := []byte(`{"type":"Follow"}`)
	c := New(Options{AllowPrivate: true})
	resp, err := c.Post(context.Background(), srv.URL, body, func(req *http.Request, b []byte) error {
		assert.Equal(t, body, b)
		req.Header.Set("Signature", `keyId="test"`)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
}

func TestForbiddenIPTable(t *testing.T) {
	public := []string{"203.0.113.10", "8.8.8.8", "2606:4700::1111"}
	for _, ip := range public {
		assert.False(t, forbiddenIP(net.ParseIP(ip)), ip)
	}
	forbidden := []string{"127.0.0.1", "10.0.0.1", "192.168.5.5", "::1", "fc00::1", "ff02::1", "224.0.0.1"}
	for _, ip := range forbidden {
		assert.True(t, forbiddenIP(net.ParseIP(ip)), ip)
	}
}

func TestValidateKeepsOriginalHostForTLS(t *testing.T) {
	c := New(Options{Resolver: resolveTo("203.0.113.10")})
	u, ip, err := c.validateAndResolve(context.Background(), "https://peer.example/inbox")
	require.NoError(t, err)
	assert.Equal(t, "peer.example", u.Hostname())
	assert.Equal(t, "203.0.113.10", ip.String())
	_, err = url.Parse(u.String())
	assert.NoError(t, err)
}
