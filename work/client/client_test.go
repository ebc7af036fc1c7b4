package client

import (
	"kptv-broker/work/config"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSettingClientSetsHeaders(t *testing.T) {
	var gotUA, gotOrigin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotOrigin = r.Header.Get("Origin")
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(&config.Config{UserAgent: "default-ua", ReqOrigin: "http://origin"})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := hsc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "default-ua", gotUA)
	assert.Equal(t, "http://origin", gotOrigin)

	req, err = http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err = hsc.WithUserAgent("provider-ua").Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "provider-ua", gotUA)

	assert.Same(t, hsc, hsc.WithUserAgent(""))
}
