package nodeapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"

	"osf-archiver/goutils/settings"
)

func testAPI(url string) *RegistrationAPI {
	return InitRegistrationAPI(&settings.SettingsObj{
		RetryCount: 2,
		HttpClient: &settings.HTTPClient{
			MaxIdleConns:        1,
			MaxConnsPerHost:     1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     60,
		},
		RegistrationAPI: &settings.RegistrationAPI{URL: url, Token: "secret"},
	})
}

func TestRegistrationAPI_DeleteRegistration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v2/registrations/dst/", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	assert.NoError(t, testAPI(server.URL).DeleteRegistration(context.Background(), "dst"))
}

func TestRegistrationAPI_DeleteMissingRegistration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	assert.NoError(t, testAPI(server.URL).DeleteRegistration(context.Background(), "dst"))
}

func TestRegistrationAPI_DeleteRetriesServerErrors(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	assert.NoError(t, testAPI(server.URL).DeleteRegistration(context.Background(), "dst"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRegistrationAPI_DeleteForbiddenIsPermanent(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := testAPI(server.URL).DeleteRegistration(context.Background(), "dst")
	assert.ErrorIs(t, err, ErrDeleteFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDeleteResult(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound, http.StatusGone} {
		assert.NoError(t, deleteResult(status, nil), status)
	}

	for _, status := range []int{http.StatusContinue, http.StatusSwitchingProtocols, http.StatusFound, http.StatusForbidden, http.StatusConflict} {
		err := deleteResult(status, []byte("nope"))
		assert.ErrorIs(t, err, ErrDeleteFailed, status)

		var permanent *backoff.PermanentError
		assert.ErrorAs(t, err, &permanent, status)
	}

	err := deleteResult(http.StatusBadGateway, []byte("bad gateway"))
	assert.ErrorIs(t, err, ErrDeleteFailed)

	var permanent *backoff.PermanentError
	assert.False(t, errors.As(err, &permanent))
}
