package nodeapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/httpclient"
	"osf-archiver/goutils/settings"
)

var ErrDeleteFailed = errors.New("failed to delete registration")

// Service is the part of the registration API used to roll back failed archives.
type Service interface {
	DeleteRegistration(ctx context.Context, registrationID string) error
}

type RegistrationAPI struct {
	baseURL    string
	token      string
	retryCount int
	httpClient *retryablehttp.Client
}

var _ Service = (*RegistrationAPI)(nil)

func InitRegistrationAPI(settingsObj *settings.SettingsObj) *RegistrationAPI {
	// retries are driven by backoff so 4xx answers stop immediately
	client := httpclient.GetHTTPClient(settingsObj, "registration-api", 0, 30)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &RegistrationAPI{
		baseURL:    settingsObj.RegistrationAPI.URL,
		token:      settingsObj.RegistrationAPI.Token,
		retryCount: settingsObj.RetryCount,
		httpClient: client,
	}
}

// DeleteRegistration removes the destination node. A registration that is already gone counts as deleted.
func (r *RegistrationAPI) DeleteRegistration(ctx context.Context, registrationID string) error {
	l := log.WithField("registrationID", registrationID)

	reqURL := fmt.Sprintf("%s/v2/registrations/%s/", r.baseURL, url.PathEscape(registrationID))

	operation := func() error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		req.Header.Add("accept", "application/json")

		if r.token != "" {
			req.Header.Add("Authorization", "Bearer "+r.token)
		}

		res, err := r.httpClient.Do(req)
		if err != nil {
			l.WithError(err).Warn("failed to send delete request to registration api, retrying")

			return err
		}

		defer res.Body.Close()

		body, _ := io.ReadAll(res.Body)

		err = deleteResult(res.StatusCode, body)
		if err != nil && res.StatusCode >= 500 {
			l.WithField("status", res.StatusCode).Warn("registration api errored, retrying")
		}

		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.retryCount)), ctx))
	if err != nil {
		l.WithError(err).Error("failed to delete registration")

		return err
	}

	l.Info("deleted registration")

	return nil
}

// deleteResult classifies a delete response: 2xx and an already gone registration succeed,
// 5xx is retried and anything else fails for good.
func deleteResult(statusCode int, body []byte) error {
	switch {
	case statusCode >= 200 && statusCode < 300, statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return nil
	case statusCode >= 500:
		return fmt.Errorf("%w: %d: %s", ErrDeleteFailed, statusCode, strings.TrimSpace(string(body)))
	default:
		return backoff.Permanent(fmt.Errorf("%w: %d: %s", ErrDeleteFailed, statusCode, strings.TrimSpace(string(body))))
	}
}
