package waterbutler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/httpclient"
	"osf-archiver/goutils/settings"
)

var ErrListingFailed = errors.New("failed to list addon file tree")

// Service is the part of the WaterButler API used by the archiver.
type Service interface {
	GetFileTree(ctx context.Context, cookie, nodeID, provider string) (*datamodel.FileMetadata, error)
	Copy(ctx context.Context, req *datamodel.CopyRequest) (*CopyResponse, error)
}

// CopyResponse is the raw outcome of an /ops/copy request.
type CopyResponse struct {
	StatusCode int
	Body       []byte
}

type WaterButler struct {
	baseURL    string
	limiter    *rate.Limiter
	listClient *retryablehttp.Client
	copyClient *retryablehttp.Client
}

var _ Service = (*WaterButler)(nil)

func InitWaterButler(settingsObj *settings.SettingsObj) *WaterButler {
	log.Debug("initializing waterbutler client")

	tps := rate.Limit(10)
	burst := 10

	if rl := settingsObj.WaterButler.ListRateLimit; rl != nil {
		burst = rl.Burst

		if rl.RequestsPerSec == -1 {
			tps = rate.Inf
			burst = 0
		} else {
			tps = rate.Limit(rl.RequestsPerSec)
		}
	}

	log.Infof("rate limit configured for waterbutler listing at %v TPS with a burst of %d", tps, burst)

	copyClient := httpclient.GetHTTPClient(settingsObj, "waterbutler-copy", settingsObj.WaterButler.CopyRetryMax, settingsObj.WaterButler.Timeout)
	// non-2xx copy responses carry the error body the archiver records
	copyClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &WaterButler{
		baseURL:    settingsObj.WaterButler.URL,
		limiter:    rate.NewLimiter(tps, burst),
		listClient: httpclient.GetHTTPClient(settingsObj, "waterbutler-list", 5, settingsObj.WaterButler.Timeout),
		copyClient: copyClient,
	}
}

// Copy posts a copy operation and returns the status code and body as received.
// Only transport failures are returned as errors.
func (w *WaterButler) Copy(ctx context.Context, copyReq *datamodel.CopyRequest) (*CopyResponse, error) {
	body, err := json.Marshal(copyReq)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/ops/copy", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("accept", "application/json")

	l := log.WithField("srcNodeID", copyReq.Source.NodeID).
		WithField("dstNodeID", copyReq.Destination.NodeID).
		WithField("provider", copyReq.Source.Provider)

	l.Debug("sending copy request to waterbutler")

	res, err := w.copyClient.Do(req)
	if err != nil {
		l.WithError(err).Error("failed to send copy request to waterbutler")

		return nil, err
	}

	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		l.WithError(err).Error("failed to read copy response body from waterbutler")

		return nil, err
	}

	l.WithField("status", res.StatusCode).Debug("waterbutler copy response")

	return &CopyResponse{StatusCode: res.StatusCode, Body: respBody}, nil
}

type listResponse struct {
	Data []struct {
		Attributes *datamodel.FileMetadata `json:"attributes"`
	} `json:"data"`
}

// GetFileTree walks the provider root of a node and returns the full tree.
func (w *WaterButler) GetFileTree(ctx context.Context, cookie, nodeID, provider string) (*datamodel.FileMetadata, error) {
	root := &datamodel.FileMetadata{
		Kind: datamodel.FileKindFolder,
		Name: provider,
		Path: "/",
	}

	visited := map[string]struct{}{"/": {}}

	if err := w.fillFolder(ctx, cookie, nodeID, provider, root, visited); err != nil {
		return nil, err
	}

	return root, nil
}

// fillFolder lists folder recursively. A folder is listed at most once per tree.
func (w *WaterButler) fillFolder(ctx context.Context, cookie, nodeID, provider string, folder *datamodel.FileMetadata, visited map[string]struct{}) error {
	children, err := w.listFolder(ctx, cookie, nodeID, provider, folder.Path)
	if err != nil {
		return err
	}

	for _, child := range children {
		if child.Kind == datamodel.FileKindFolder {
			folderPath := normalizeFolderPath(child.Path)

			if _, ok := visited[folderPath]; ok {
				log.WithField("provider", provider).WithField("path", child.Path).
					WithField("parent", folder.Path).Warn("folder listed twice in file tree, skipping")

				continue
			}

			visited[folderPath] = struct{}{}

			if err = w.fillFolder(ctx, cookie, nodeID, provider, child, visited); err != nil {
				return err
			}
		}

		folder.Children = append(folder.Children, child)
	}

	return nil
}

func normalizeFolderPath(folderPath string) string {
	if !strings.HasPrefix(folderPath, "/") {
		folderPath = "/" + folderPath
	}

	if !strings.HasSuffix(folderPath, "/") {
		folderPath += "/"
	}

	return folderPath
}

// listURL builds the listing url of a folder. Path segments are escaped, so names holding
// '?', '#' or '%' address the folder itself.
func (w *WaterButler) listURL(cookie, nodeID, provider, folderPath string) (string, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", err
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/resources/" + nodeID + "/providers/" + provider + normalizeFolderPath(folderPath)
	u.RawPath = ""

	if cookie != "" {
		u.RawQuery = url.Values{"cookie": {cookie}}.Encode()
	}

	return u.String(), nil
}

func (w *WaterButler) listFolder(ctx context.Context, cookie, nodeID, provider, folderPath string) ([]*datamodel.FileMetadata, error) {
	reqURL, err := w.listURL(cookie, nodeID, provider, folderPath)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Add("accept", "application/json")

	if err = w.limiter.Wait(ctx); err != nil {
		log.WithError(err).Error("waterbutler rate limiter wait errored")

		return nil, err
	}

	res, err := w.listClient.Do(req)
	if err != nil {
		log.WithError(err).WithField("provider", provider).Error("failed to list folder on waterbutler")

		return nil, fmt.Errorf("%w: %s", ErrListingFailed, err)
	}

	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %d: %s", ErrListingFailed, provider, res.StatusCode, strings.TrimSpace(string(respBody)))
	}

	listing := new(listResponse)
	if err = json.Unmarshal(respBody, listing); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrListingFailed, err)
	}

	children := make([]*datamodel.FileMetadata, 0, len(listing.Data))
	for _, entry := range listing.Data {
		if entry.Attributes == nil {
			continue
		}

		children = append(children, entry.Attributes)
	}

	return children, nil
}

// ErrorsFromBody extracts the error list of a failed copy response.
// WaterButler answers with {"errors": [...]}, {"message": "..."} or plain text.
func ErrorsFromBody(statusCode int, body []byte) []string {
	parsed := new(struct {
		Errors  []interface{} `json:"errors"`
		Message string        `json:"message"`
		Code    int           `json:"code"`
	})

	if err := json.Unmarshal(body, parsed); err == nil {
		errs := make([]string, 0, len(parsed.Errors)+1)
		for _, e := range parsed.Errors {
			errs = append(errs, fmt.Sprint(e))
		}

		if parsed.Message != "" {
			errs = append(errs, parsed.Message)
		}

		if len(errs) > 0 {
			return errs
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(statusCode)
	}

	return []string{fmt.Sprintf("%d: %s", statusCode, text)}
}
