package mailer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/template"

	"github.com/customerio/go-customerio"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/settings"
)

// Service sends the archive notifications.
type Service interface {
	SendSizeExceeded(ctx context.Context, job *datamodel.ArchiveJob, stat datamodel.Stat, limit int64) error
	SendCopyError(ctx context.Context, job *datamodel.ArchiveJob, targets map[string]*datamodel.ArchiveTarget) error
	SendStatError(ctx context.Context, job *datamodel.ArchiveJob, addon string, statErr error) error
	SendSuccess(ctx context.Context, job *datamodel.ArchiveJob) error
}

// AddonSummary is one line of an archive report.
type AddonSummary struct {
	Name     string   `json:"name"`
	Size     string   `json:"size,omitempty"`
	NumFiles int      `json:"num_files,omitempty"`
	Status   string   `json:"status,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

var sizeExceededReport = template.Must(template.New("size_exceeded").Parse(
	`Archive of {{.SrcNodeID}} into {{.DstNodeID}} is {{.Total}}, over the {{.Limit}} limit.
{{range .Addons}}- {{.Name}}: {{.Size}} in {{.NumFiles}} files
{{end}}`))

var copyErrorReport = template.Must(template.New("copy_error").Parse(
	`Archive of {{.SrcNodeID}} into {{.DstNodeID}} failed.
{{range .Addons}}- {{.Name}}: {{.Status}}{{range .Errors}}
    {{.}}{{end}}
{{end}}`))

var statErrorReport = template.Must(template.New("stat_error").Parse(
	`Archive of {{.SrcNodeID}} into {{.DstNodeID}} failed while checking {{.Addon}}: {{.Error}}
`))

type sendFunc func(ctx context.Context, req *customerio.SendEmailRequest) error

type Mailer struct {
	send        sendFunc
	settingsObj *settings.SettingsObj
}

var _ Service = (*Mailer)(nil)

// InitMailer returns a customer.io backed mailer. Without an API key mails are only logged.
func InitMailer(settingsObj *settings.SettingsObj) *Mailer {
	m := &Mailer{settingsObj: settingsObj}

	if settingsObj.Email.CustomerIOAPIKey == "" {
		log.Warning("customer.io api key is not set, archive emails will not be sent")

		return m
	}

	client := customerio.NewAPIClient(settingsObj.Email.CustomerIOAPIKey)

	m.send = func(ctx context.Context, req *customerio.SendEmailRequest) error {
		_, err := client.SendEmail(ctx, req)

		return err
	}

	return m
}

func (m *Mailer) SendSizeExceeded(ctx context.Context, job *datamodel.ArchiveJob, stat datamodel.Stat, limit int64) error {
	addons := make([]AddonSummary, 0)

	if agg, ok := stat.(*datamodel.AggregateStatResult); ok {
		for _, s := range agg.Targets() {
			addons = append(addons, AddonSummary{
				Name:     s.TargetName(),
				Size:     humanize.IBytes(uint64(s.DiskUsage())),
				NumFiles: s.NumFiles(),
			})
		}
	}

	sortSummaries(addons)

	data := map[string]interface{}{
		"SrcNodeID": job.SrcNodeID,
		"DstNodeID": job.DstNodeID,
		"Total":     humanize.IBytes(uint64(stat.DiskUsage())),
		"Limit":     humanize.IBytes(uint64(limit)),
		"Addons":    addons,
	}

	return m.sendToBoth(ctx, job, m.settingsObj.Email.SizeExceededTmpl, sizeExceededReport, data)
}

func (m *Mailer) SendCopyError(ctx context.Context, job *datamodel.ArchiveJob, targets map[string]*datamodel.ArchiveTarget) error {
	addons := make([]AddonSummary, 0, len(targets))

	for name, t := range targets {
		addons = append(addons, AddonSummary{
			Name:   m.settingsObj.AddonFullName(name),
			Status: string(t.Status),
			Errors: t.Errors,
		})
	}

	sortSummaries(addons)

	data := map[string]interface{}{
		"SrcNodeID": job.SrcNodeID,
		"DstNodeID": job.DstNodeID,
		"Addons":    addons,
	}

	return m.sendToBoth(ctx, job, m.settingsObj.Email.CopyErrorTmpl, copyErrorReport, data)
}

func (m *Mailer) SendStatError(ctx context.Context, job *datamodel.ArchiveJob, addon string, statErr error) error {
	name := "the source node"
	if addon != "" {
		name = m.settingsObj.AddonFullName(addon)
	}

	data := map[string]interface{}{
		"SrcNodeID": job.SrcNodeID,
		"DstNodeID": job.DstNodeID,
		"Addon":     name,
		"Error":     fmt.Sprint(statErr),
	}

	return m.sendToBoth(ctx, job, m.settingsObj.Email.StatErrorTmpl, statErrorReport, data)
}

func (m *Mailer) SendSuccess(ctx context.Context, job *datamodel.ArchiveJob) error {
	data := map[string]interface{}{
		"SrcNodeID":       job.SrcNodeID,
		"DstNodeID":       job.DstNodeID,
		"RegistrationURL": m.registrationURL(job.DstNodeID),
	}

	return m.sendEmail(ctx, job.InitiatorEmail, job.InitiatorID, m.settingsObj.Email.SuccessTmpl, data)
}

func (m *Mailer) registrationURL(dstNodeID string) string {
	if m.settingsObj.Email.RegistrationURLFmt == "" {
		return ""
	}

	return fmt.Sprintf(m.settingsObj.Email.RegistrationURLFmt, dstNodeID)
}

// sendToBoth renders the report and mails it to the initiator and the support mailbox.
func (m *Mailer) sendToBoth(ctx context.Context, job *datamodel.ArchiveJob, tmplID string, report *template.Template, data map[string]interface{}) error {
	buf := new(bytes.Buffer)
	if err := report.Execute(buf, data); err != nil {
		log.WithError(err).WithField("template", report.Name()).Error("failed to render archive report")

		return err
	}

	data["Report"] = buf.String()
	data["RegistrationURL"] = m.registrationURL(job.DstNodeID)

	var result *multierror.Error

	if err := m.sendEmail(ctx, job.InitiatorEmail, job.InitiatorID, tmplID, data); err != nil {
		result = multierror.Append(result, err)
	}

	support := m.settingsObj.Email.SupportAddress
	if err := m.sendEmail(ctx, support, support, tmplID, data); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (m *Mailer) sendEmail(ctx context.Context, to, id, tmplID string, data map[string]interface{}) error {
	l := log.WithField("to", to).WithField("template", tmplID)

	if m.send == nil {
		l.WithField("data", data).Info("skipping email send")

		return nil
	}

	req := &customerio.SendEmailRequest{
		To:                     to,
		TransactionalMessageID: tmplID,
		Identifiers: map[string]string{
			"id": id,
		},
		MessageData: data,
	}

	if err := m.send(ctx, req); err != nil {
		l.WithError(err).Error("failed to send email")

		return fmt.Errorf("send email to %s: %w", to, err)
	}

	l.Debug("email sent")

	return nil
}

func sortSummaries(addons []AddonSummary) {
	sort.Slice(addons, func(i, j int) bool {
		return addons[i].Name < addons[j].Name
	})
}
