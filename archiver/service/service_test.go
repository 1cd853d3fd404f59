package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osf-archiver/caching"
	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/mock"
	"osf-archiver/goutils/settings"
	"osf-archiver/goutils/taskmgr/worker"
	"osf-archiver/goutils/waterbutler"
)

const (
	registrationKey = "archiver.registration.created"
	successKey      = "archiver.email.success"
)

type copyResult struct {
	status int
	body   string
	err    error
}

type harness struct {
	svc   *ArchiverService
	cache *caching.MemoryCache

	mu         sync.Mutex
	trees      map[string]*datamodel.FileMetadata
	treeErrs   map[string]error
	checkErrs  map[string]error
	results    map[string]copyResult
	copies     []*datamodel.CopyRequest
	mails      []string
	deleted    []string
	issues     []datamodel.IssueType
	published  [][]byte
	publishErr error
	reports    map[string][]byte
}

func testSettings() *settings.SettingsObj {
	settingsObj := &settings.SettingsObj{
		InstanceId:        "test",
		LocalCachePath:    "/tmp/archiver",
		Concurrency:       4,
		WorkerConcurrency: 2,
		Rabbitmq:          new(settings.Rabbitmq),
		Redis:             new(settings.Redis),
		WaterButler:       &settings.WaterButler{URL: "http://wb"},
		RegistrationAPI:   &settings.RegistrationAPI{URL: "http://api"},
		Email:             &settings.Email{SupportAddress: "support@osf.io"},
		Reporting:         new(settings.Reporting),
		Healthcheck:       new(settings.Healthcheck),
		HttpClient:        new(settings.HTTPClient),
		Addons: map[string]*settings.Addon{
			"dropbox": {FullName: "Dropbox", Archivable: settings.ArchivableFull},
			"github":  {FullName: "GitHub", Archivable: settings.ArchivableFull},
			"wiki":    {FullName: "Wiki", Archivable: settings.ArchivableNone},
		},
	}

	settingsObj.Rabbitmq.Setup.Queues.Archiver.RegistrationRoutingKey = registrationKey
	settingsObj.Rabbitmq.Setup.Queues.Archiver.SuccessEmailRoutingKey = successKey

	settings.SetDefaults(settingsObj)

	return settingsObj
}

// flakyCache fails the CHECKING write of the addons listed in checkErrs.
type flakyCache struct {
	*caching.MemoryCache
	h *harness
}

func (c *flakyCache) UpdateArchiveTarget(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) (bool, error) {
	c.h.mu.Lock()
	err := c.h.checkErrs[target.Name]
	c.h.mu.Unlock()

	if err != nil && target.Status == datamodel.ArchiveStatusChecking {
		return false, err
	}

	return c.MemoryCache.UpdateArchiveTarget(ctx, dstNodeID, target)
}

func fileTree(files map[string]float64) *datamodel.FileMetadata {
	root := &datamodel.FileMetadata{Kind: datamodel.FileKindFolder, Path: "/"}

	for name, size := range files {
		root.Children = append(root.Children, &datamodel.FileMetadata{
			Kind: datamodel.FileKindFile,
			Name: name,
			Path: "/" + name,
			Size: size,
		})
	}

	return root
}

func newHarness(t *testing.T, settingsObj *settings.SettingsObj) *harness {
	t.Helper()

	h := &harness{
		cache:    caching.NewMemoryCache(),
		trees:    make(map[string]*datamodel.FileMetadata),
		treeErrs:  make(map[string]error),
		checkErrs: make(map[string]error),
		results:  make(map[string]copyResult),
		reports:  make(map[string][]byte),
	}

	t.Cleanup(h.cache.Close)

	record := func(kind string) {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.mails = append(h.mails, kind)
	}

	h.svc = NewArchiverService(&Dependencies{
		Settings: settingsObj,
		Cache:    &flakyCache{MemoryCache: h.cache, h: h},
		DiskCache: mock.DiskMock{
			WriteMock: func(path string, data []byte) error {
				h.mu.Lock()
				defer h.mu.Unlock()

				h.reports[path] = data

				return nil
			},
		},
		WaterButler: mock.WaterButlerMock{
			GetFileTreeMock: func(ctx context.Context, cookie, nodeID, provider string) (*datamodel.FileMetadata, error) {
				h.mu.Lock()
				defer h.mu.Unlock()

				if err := h.treeErrs[provider]; err != nil {
					return nil, err
				}

				if tree, ok := h.trees[provider]; ok {
					return tree, nil
				}

				return fileTree(nil), nil
			},
			CopyMock: func(ctx context.Context, req *datamodel.CopyRequest) (*waterbutler.CopyResponse, error) {
				h.mu.Lock()
				h.copies = append(h.copies, req)
				result, ok := h.results[req.Source.Provider]
				h.mu.Unlock()

				if !ok {
					result = copyResult{status: http.StatusCreated}
				}

				if result.err != nil {
					return nil, result.err
				}

				return &waterbutler.CopyResponse{StatusCode: result.status, Body: []byte(result.body)}, nil
			},
		},
		Mailer: mock.MailerMock{
			SendSizeExceededMock: func(ctx context.Context, job *datamodel.ArchiveJob, stat datamodel.Stat, limit int64) error {
				record("size_exceeded")

				return nil
			},
			SendCopyErrorMock: func(ctx context.Context, job *datamodel.ArchiveJob, targets map[string]*datamodel.ArchiveTarget) error {
				record("copy_error")

				return nil
			},
			SendStatErrorMock: func(ctx context.Context, job *datamodel.ArchiveJob, addon string, statErr error) error {
				record("stat_error:" + addon)

				return nil
			},
			SendSuccessMock: func(ctx context.Context, job *datamodel.ArchiveJob) error {
				record("success")

				return nil
			},
		},
		NodeAPI: mock.NodeAPIMock{
			DeleteRegistrationMock: func(ctx context.Context, registrationID string) error {
				h.mu.Lock()
				defer h.mu.Unlock()

				h.deleted = append(h.deleted, registrationID)

				return nil
			},
		},
		Reporter: mock.ReportingServiceMock{
			ReportMock: func(issueType datamodel.IssueType, dstNodeID string, extra map[string]interface{}) {
				h.mu.Lock()
				defer h.mu.Unlock()

				h.issues = append(h.issues, issueType)
			},
		},
		TaskMgr: mock.TaskManagerMock{
			PublishMock: func(ctx context.Context, workerType worker.Type, routingKey string, body []byte) error {
				assert.Equal(t, worker.TypeArchiverWorker, workerType)
				assert.Equal(t, successKey, routingKey)

				h.mu.Lock()
				defer h.mu.Unlock()

				if h.publishErr != nil {
					return h.publishErr
				}

				h.published = append(h.published, body)

				return nil
			},
		},
	})

	return h
}

func registration(addons ...string) *datamodel.RegistrationCreatedMessage {
	return &datamodel.RegistrationCreatedMessage{
		SrcNodeID:      "src",
		DstNodeID:      "dst",
		InitiatorID:    "user",
		InitiatorEmail: "user@example.com",
		InitiatorName:  "User",
		Cookie:         "cookie",
		Addons:         addons,
	}
}

func (h *harness) job(t *testing.T) *datamodel.ArchiveJob {
	job, err := h.cache.GetArchiveJob(context.Background(), "dst")
	require.NoError(t, err)

	return job
}

func (h *harness) targets(t *testing.T) map[string]*datamodel.ArchiveTarget {
	targets, err := h.cache.GetArchiveTargets(context.Background(), "dst")
	require.NoError(t, err)

	return targets
}

// deliverPublished runs the queued success email tasks as the worker would.
func (h *harness) deliverPublished(t *testing.T) {
	h.mu.Lock()
	published := h.published
	h.mu.Unlock()

	for _, body := range published {
		require.NoError(t, h.svc.Run(body, successKey))
	}
}

func TestArchive_TwoAddonsSucceed(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.trees["github"] = fileTree(map[string]float64{"b.txt": 256})

	body, _ := json.Marshal(registration("dropbox", "github"))
	require.NoError(t, h.svc.Run(body, registrationKey))

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.Equal(t, datamodel.OutcomeSuccess, job.Outcome)
	assert.False(t, job.Deleted)
	assert.NotEmpty(t, job.TaskID)

	for name, target := range h.targets(t) {
		assert.Equal(t, datamodel.ArchiveStatusSuccess, target.Status, name)
	}

	require.Len(t, h.copies, 2)

	for _, req := range h.copies {
		assert.Equal(t, "src", req.Source.NodeID)
		assert.Equal(t, "/", req.Source.Path)
		assert.Equal(t, "cookie", req.Destination.Cookie)
		assert.Equal(t, "dst", req.Destination.NodeID)
		assert.Equal(t, "osfstorage", req.Destination.Provider)

		if req.Source.Provider == "dropbox" {
			assert.Equal(t, "Archive of Dropbox", req.Rename)
		} else {
			assert.Equal(t, "Archive of GitHub", req.Rename)
		}
	}

	require.Len(t, h.published, 1)
	assert.Empty(t, h.mails)

	h.deliverPublished(t)

	assert.Equal(t, []string{"success"}, h.mails)
	assert.Empty(t, h.deleted)
	assert.Contains(t, h.reports, "/tmp/archiver/reports/dst.json")
}

func TestStatNode_SumsAddons(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.trees["github"] = fileTree(map[string]float64{"b.txt": 256})

	job := &datamodel.ArchiveJob{SrcNodeID: "src", DstNodeID: "dst"}
	require.NoError(t, h.cache.CreateArchiveJob(context.Background(), job, []string{"dropbox", "github"}))

	stat, err := h.svc.StatNode(context.Background(), job, "cookie", []string{"dropbox", "github"})
	require.NoError(t, err)

	assert.Equal(t, 384.0, stat.DiskUsage())
	assert.Equal(t, 2, stat.NumFiles())
	assert.Equal(t, "Dropbox", stat.Targets()["dropbox"].TargetName())

	for _, target := range h.targets(t) {
		assert.Equal(t, datamodel.ArchiveStatusChecking, target.Status)
	}
}

func TestAggregateFileTree_Nested(t *testing.T) {
	tree := &datamodel.FileMetadata{
		Kind: datamodel.FileKindFolder,
		Path: "/",
		Children: []*datamodel.FileMetadata{
			{Kind: datamodel.FileKindFile, Name: "a", Path: "/a", Size: 10},
			{Kind: datamodel.FileKindFolder, Name: "sub", Path: "/sub/", Children: []*datamodel.FileMetadata{
				{Kind: datamodel.FileKindFile, Name: "b", Path: "/sub/b", Size: 20},
				{Kind: datamodel.FileKindFolder, Name: "empty", Path: "/sub/empty/"},
			}},
		},
	}

	stat := AggregateFileTree("dropbox", "Dropbox", tree)

	assert.Equal(t, 30.0, stat.DiskUsage())
	assert.Equal(t, 2, stat.NumFiles())
	assert.Equal(t, 20.0, stat.Targets()["/sub/"].DiskUsage())
}

func TestArchive_SizeExceeded(t *testing.T) {
	settingsObj := testSettings()
	settingsObj.MaxArchiveSize = 300

	h := newHarness(t, settingsObj)
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.trees["github"] = fileTree(map[string]float64{"b.txt": 256})

	err := h.svc.Archive(context.Background(), registration("dropbox", "github"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.True(t, job.Deleted)
	assert.Equal(t, datamodel.OutcomeSizeExceeded, job.Outcome)

	for _, target := range h.targets(t) {
		assert.Equal(t, datamodel.ArchiveStatusFailure, target.Status)
	}

	assert.Empty(t, h.copies)
	assert.Empty(t, h.published)
	assert.Equal(t, []string{"size_exceeded"}, h.mails)
	assert.Equal(t, []string{"dst"}, h.deleted)
	assert.Contains(t, h.issues, datamodel.IssueSizeExceeded)
}

func TestRun_SizeExceededIsAcked(t *testing.T) {
	settingsObj := testSettings()
	settingsObj.MaxArchiveSize = 1

	h := newHarness(t, settingsObj)
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 2})

	body, _ := json.Marshal(registration("dropbox"))
	assert.NoError(t, h.svc.Run(body, registrationKey))
}

func TestArchive_CopyErrorRollsBack(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.trees["github"] = fileTree(map[string]float64{"b.txt": 256})
	h.results["github"] = copyResult{status: http.StatusInternalServerError, body: `{"errors": ["repository unavailable"]}`}

	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox", "github")))

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.True(t, job.Deleted)
	assert.Equal(t, datamodel.OutcomeCopyError, job.Outcome)

	targets := h.targets(t)
	assert.Equal(t, datamodel.ArchiveStatusSuccess, targets["dropbox"].Status)
	assert.Equal(t, datamodel.ArchiveStatusFailure, targets["github"].Status)
	assert.Equal(t, []string{"repository unavailable"}, targets["github"].Errors)

	assert.Empty(t, h.published)
	assert.Equal(t, []string{"copy_error"}, h.mails)
	assert.Equal(t, []string{"dst"}, h.deleted)
	assert.Contains(t, h.issues, datamodel.IssueCopyError)
}

func TestArchive_CopyTransportError(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.results["dropbox"] = copyResult{err: errors.New("connection reset")}

	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox")))

	targets := h.targets(t)
	assert.Equal(t, datamodel.ArchiveStatusFailure, targets["dropbox"].Status)
	assert.Equal(t, []string{"connection reset"}, targets["dropbox"].Errors)
	assert.Equal(t, datamodel.OutcomeCopyError, h.job(t).Outcome)
	assert.Equal(t, []string{"copy_error"}, h.mails)
}

func TestArchive_AcceptedCopyWaitsForCallback(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.trees["github"] = fileTree(map[string]float64{"b.txt": 256})
	h.results["dropbox"] = copyResult{status: http.StatusAccepted}

	ctx := context.Background()

	require.NoError(t, h.svc.Archive(ctx, registration("dropbox", "github")))

	assert.True(t, h.job(t).Archiving)
	assert.Equal(t, datamodel.ArchiveStatusSent, h.targets(t)["dropbox"].Status)
	assert.Empty(t, h.published)

	require.NoError(t, h.svc.HandleCallback(ctx, "dst", "dropbox", &datamodel.WaterButlerCallback{Action: "copy"}))

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.Equal(t, datamodel.OutcomeSuccess, job.Outcome)
	assert.Equal(t, 128.0, h.targets(t)["dropbox"].Meta["disk_usage"])
	require.Len(t, h.published, 1)

	// a repeated callback changes nothing
	require.NoError(t, h.svc.HandleCallback(ctx, "dst", "dropbox", &datamodel.WaterButlerCallback{Errors: []string{"late"}}))
	assert.Equal(t, datamodel.ArchiveStatusSuccess, h.targets(t)["dropbox"].Status)
	assert.Len(t, h.published, 1)
}

func TestHandleCallback_Errors(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.results["dropbox"] = copyResult{status: http.StatusAccepted}

	ctx := context.Background()

	require.NoError(t, h.svc.Archive(ctx, registration("dropbox")))

	assert.ErrorIs(t, h.svc.HandleCallback(ctx, "other", "dropbox", &datamodel.WaterButlerCallback{}), caching.ErrJobNotFound)
	assert.ErrorIs(t, h.svc.HandleCallback(ctx, "dst", "github", &datamodel.WaterButlerCallback{}), ErrUnknownTarget)

	require.NoError(t, h.svc.HandleCallback(ctx, "dst", "dropbox", &datamodel.WaterButlerCallback{Errors: []string{"quota"}}))

	assert.Equal(t, datamodel.OutcomeCopyError, h.job(t).Outcome)
	assert.Equal(t, []string{"quota"}, h.targets(t)["dropbox"].Errors)
	assert.Equal(t, []string{"copy_error"}, h.mails)
}

func TestArchive_FinishesExactlyOnce(t *testing.T) {
	settingsObj := testSettings()
	settingsObj.Concurrency = 16

	h := newHarness(t, settingsObj)

	addons := make([]string, 16)
	for i := range addons {
		addons[i] = fmt.Sprintf("addon%d", i)
		h.trees[addons[i]] = fileTree(map[string]float64{"f": float64(i + 1)})
	}

	require.NoError(t, h.svc.Archive(context.Background(), registration(addons...)))

	assert.Len(t, h.copies, 16)
	assert.Len(t, h.published, 1)

	// late events after the finish are no-ops
	require.NoError(t, h.svc.transition(context.Background(), "dst", &datamodel.ArchiveTarget{Name: "addon3", Status: datamodel.ArchiveStatusSent}))
	assert.Len(t, h.published, 1)
	assert.Equal(t, datamodel.OutcomeSuccess, h.job(t).Outcome)
}

func TestArchive_StatFailureAborts(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.treeErrs["github"] = errors.New("token revoked")

	err := h.svc.Archive(context.Background(), registration("dropbox", "github"))
	assert.ErrorIs(t, err, ErrStatFailed)

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.True(t, job.Deleted)
	assert.Equal(t, datamodel.OutcomeStatError, job.Outcome)

	targets := h.targets(t)
	assert.Equal(t, datamodel.ArchiveStatusFailure, targets["github"].Status)
	assert.Equal(t, []string{"token revoked"}, targets["github"].Errors)
	assert.Equal(t, datamodel.ArchiveStatusFailure, targets["dropbox"].Status)
	assert.Equal(t, []string{"archive aborted: stat failed for github"}, targets["dropbox"].Errors)

	assert.Empty(t, h.copies)
	assert.Equal(t, []string{"stat_error:github"}, h.mails)
	assert.Equal(t, []string{"dst"}, h.deleted)
	assert.Contains(t, h.issues, datamodel.IssueStatError)
}

func TestRun_StoreFailureDuringStatRollsBack(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.checkErrs["github"] = errors.New("redis: connection reset")

	body, err := json.Marshal(registration("dropbox", "github"))
	require.NoError(t, err)

	require.NoError(t, h.svc.Run(body, registrationKey))

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.True(t, job.Deleted)
	assert.Equal(t, datamodel.OutcomeStatError, job.Outcome)

	for name, target := range h.targets(t) {
		assert.Equal(t, datamodel.ArchiveStatusFailure, target.Status, name)
		require.Len(t, target.Errors, 1, name)
		assert.Contains(t, target.Errors[0], "redis: connection reset", name)
	}

	assert.Empty(t, h.copies)
	assert.Equal(t, []string{"stat_error:"}, h.mails)
	assert.Equal(t, []string{"dst"}, h.deleted)
	assert.Contains(t, h.issues, datamodel.IssueInternal)
	assert.Contains(t, h.issues, datamodel.IssueStatError)
}

func TestFailStat_RollsBackAfterContextIsDone(t *testing.T) {
	h := newHarness(t, testSettings())

	require.NoError(t, h.cache.CreateArchiveJob(context.Background(), &datamodel.ArchiveJob{DstNodeID: "dst", SrcNodeID: "src"}, []string{"dropbox"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.svc.failStat(ctx, h.job(t), []string{"dropbox"}, &StatError{Addon: "dropbox", Err: context.Canceled})
	assert.ErrorIs(t, err, ErrStatFailed)

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.True(t, job.Deleted)
	assert.Equal(t, datamodel.ArchiveStatusFailure, h.targets(t)["dropbox"].Status)
	assert.Equal(t, []string{"stat_error:dropbox"}, h.mails)
	assert.Equal(t, []string{"dst"}, h.deleted)
}

func TestArchive_StatFailureExcluded(t *testing.T) {
	settingsObj := testSettings()
	settingsObj.StatFailurePolicy = settings.StatFailurePolicyExclude

	h := newHarness(t, settingsObj)
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.treeErrs["github"] = errors.New("token revoked")

	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox", "github")))

	targets := h.targets(t)
	assert.Equal(t, datamodel.ArchiveStatusSuccess, targets["github"].Status)
	assert.Equal(t, true, targets["github"].Meta["excluded"])
	assert.Equal(t, []string{"token revoked"}, targets["github"].Errors)

	require.Len(t, h.copies, 1)
	assert.Equal(t, "dropbox", h.copies[0].Source.Provider)
	assert.Equal(t, datamodel.OutcomeSuccess, h.job(t).Outcome)
	assert.Len(t, h.published, 1)
}

func TestArchive_EmptyAddonIsNotCopied(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(nil)
	h.trees["github"] = fileTree(map[string]float64{"b.txt": 256})

	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox", "github")))

	targets := h.targets(t)
	assert.Equal(t, datamodel.ArchiveStatusSuccess, targets["dropbox"].Status)
	assert.Equal(t, true, targets["dropbox"].Meta["empty"])

	require.Len(t, h.copies, 1)
	assert.Equal(t, "github", h.copies[0].Source.Provider)
	assert.Len(t, h.published, 1)
}

func TestArchive_NothingToArchive(t *testing.T) {
	h := newHarness(t, testSettings())

	require.NoError(t, h.svc.Archive(context.Background(), registration("wiki", "wiki")))

	job := h.job(t)
	assert.False(t, job.Archiving)
	assert.Equal(t, datamodel.OutcomeSuccess, job.Outcome)
	assert.Empty(t, h.targets(t))
	assert.Empty(t, h.copies)
	assert.Len(t, h.published, 1)
}

func TestArchive_DuplicateDeliveryIsSkipped(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.results["dropbox"] = copyResult{status: http.StatusAccepted}

	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox")))
	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox")))

	assert.Len(t, h.copies, 1)
}

func TestOnArchiveSuccess_PublishFailureSendsDirectly(t *testing.T) {
	h := newHarness(t, testSettings())
	h.publishErr = errors.New("channel closed")
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})

	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox")))

	assert.Empty(t, h.published)
	assert.Equal(t, []string{"success"}, h.mails)
}

func TestSendSuccessEmail_SkipsFailedArchive(t *testing.T) {
	h := newHarness(t, testSettings())
	h.trees["dropbox"] = fileTree(map[string]float64{"a.txt": 128})
	h.results["dropbox"] = copyResult{status: http.StatusBadRequest, body: "bad request"}

	require.NoError(t, h.svc.Archive(context.Background(), registration("dropbox")))
	require.NoError(t, h.svc.SendSuccessEmail(context.Background(), "dst"))

	assert.Equal(t, []string{"copy_error"}, h.mails)
	assert.Equal(t, []string{"400: bad request"}, h.targets(t)["dropbox"].Errors)
}

func TestRun_Errors(t *testing.T) {
	h := newHarness(t, testSettings())

	assert.ErrorIs(t, h.svc.Run([]byte(`{}`), "archiver.unknown"), ErrUnknownTopic)
	assert.Error(t, h.svc.Run([]byte(`not json`), registrationKey))

	invalid, _ := json.Marshal(&datamodel.RegistrationCreatedMessage{SrcNodeID: "src", DstNodeID: "dst", InitiatorID: "u", InitiatorEmail: "not-an-email"})
	assert.Error(t, h.svc.Run(invalid, registrationKey))

	assert.ErrorIs(t, h.svc.Run([]byte(`{"dstNodeId": "missing"}`), successKey), caching.ErrJobNotFound)
}
