package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/dnscache"

	"osf-archiver/goutils/logger"
	"osf-archiver/goutils/settings"
)

var dnsResolver *dnscache.Resolver

func init() {
	dnsResolver = &dnscache.Resolver{}

	go func() {
		clearUnused := true
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(clearUnused)
		}
	}()
}

func newTransport(config *settings.HTTPClient) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network string, addr string) (conn net.Conn, err error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}

			ips, err := dnsResolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}

			for _, ip := range ips {
				var dialer net.Dialer
				conn, err = dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					break
				}
			}

			return
		},
		MaxIdleConns:        config.MaxIdleConns,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(config.IdleConnTimeout) * time.Second,
	}
}

// GetDefaultHTTPClient returns a retryablehttp.Client with default values
// use this method for default http client needs for specific settings create custom method
func GetDefaultHTTPClient(settingsObj *settings.SettingsObj) *retryablehttp.Client {
	return GetHTTPClient(settingsObj, "default", 5, 0)
}

// GetHTTPClient returns a retryablehttp.Client with the given retry budget and request timeout (seconds).
// retryMax of 0 disables retries, a timeout of 0 falls back to the configured connection timeout.
func GetHTTPClient(settingsObj *settings.SettingsObj, component string, retryMax int, timeout int) *retryablehttp.Client {
	if timeout <= 0 {
		timeout = settingsObj.HttpClient.ConnectionTimeout
	}

	rawHTTPClient := &http.Client{
		Transport: newTransport(settingsObj.HttpClient),
		Timeout:   time.Duration(timeout) * time.Second,
	}

	retryableHTTPClient := retryablehttp.NewClient()
	retryableHTTPClient.RetryMax = retryMax
	retryableHTTPClient.HTTPClient = rawHTTPClient
	retryableHTTPClient.Logger = logger.NewRetryableHTTPLogger(component)

	return retryableHTTPClient
}
