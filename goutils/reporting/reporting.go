package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/httpclient"
	"osf-archiver/goutils/settings"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
)

type Service interface {
	Report(issueType datamodel.IssueType, dstNodeID string, extra map[string]interface{})
}

type slackNotifyReq struct {
	Issue         *datamodel.ArchiverIssue `json:"errorDetails"`
	IssueSeverity string                   `json:"severity"`
	Service       string                   `json:"service"`
}

type IssueReporter struct {
	httpClient       *retryablehttp.Client
	slackRateLimiter *rate.Limiter
	settingsObj      *settings.SettingsObj
}

var _ Service = (*IssueReporter)(nil)

func InitIssueReporter(settingsObj *settings.SettingsObj) *IssueReporter {
	client := &IssueReporter{
		httpClient:       httpclient.GetDefaultHTTPClient(settingsObj),
		slackRateLimiter: rate.NewLimiter(1, 1),
		settingsObj:      settingsObj,
	}

	return client
}

func severityOf(issueType datamodel.IssueType) Severity {
	switch issueType {
	case datamodel.IssueInternal:
		return SeverityCritical
	case datamodel.IssueStuckArchive:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func (i *IssueReporter) Report(issueType datamodel.IssueType, dstNodeID string, extra map[string]interface{}) {
	extraData, err := json.Marshal(extra)
	if err != nil {
		log.WithError(err).Error("failed to marshal extra data")
	}

	issue := &datamodel.ArchiverIssue{
		InstanceID:      i.settingsObj.InstanceId,
		IssueType:       string(issueType),
		DstNodeID:       dstNodeID,
		TimeOfReporting: strconv.FormatInt(time.Now().Unix(), 10),
		Extra:           string(extraData),
	}

	log.WithField("issue", issue).Debug("reporting issue")

	data, err := json.Marshal(&slackNotifyReq{
		Issue:         issue,
		IssueSeverity: string(severityOf(issueType)),
		Service:       "archiver",
	})
	if err != nil {
		log.WithError(err).Error("failed to json marshal issue")

		return
	}

	// slack incoming webhooks only accept a text payload
	body, err := json.Marshal(map[string]interface{}{"text": string(data)})
	if err != nil {
		log.WithError(err).Error("failed to marshal slack request body")

		return
	}

	i.ReportOnSlack(body)
}

func (i *IssueReporter) ReportOnSlack(issue []byte) {
	if i.settingsObj.Reporting.SlackWebhookURL == "" {
		return
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, i.settingsObj.Reporting.SlackWebhookURL, bytes.NewBuffer(issue))
	if err != nil {
		log.WithError(err).Error("failed to create request to slack webhook url")

		return
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("accept", "application/json")

	log.Debugf("sending issue to slack")

	err = i.slackRateLimiter.Wait(context.Background())
	if err != nil {
		log.WithError(err).Error("failed to wait for slack rate limiter")

		return
	}

	res, err := i.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("failed to send request to slack webhook")

		return
	}

	defer res.Body.Close()

	resp, err := io.ReadAll(res.Body)
	if err != nil {
		log.WithError(err).Error("failed to read response body from slack webhook")
	}

	if res.StatusCode == http.StatusOK {
		log.WithField("resp", string(resp)).Debug("status ok response from slack webhook")

		return
	}

	log.WithField("resp", string(resp)).Info("response from slack webhook")
}
