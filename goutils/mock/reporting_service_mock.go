package mock

import "osf-archiver/goutils/datamodel"

type ReportingServiceMock struct {
	ReportMock func(issueType datamodel.IssueType, dstNodeID string, extra map[string]interface{})
}

func (m ReportingServiceMock) Report(issueType datamodel.IssueType, dstNodeID string, extra map[string]interface{}) {
	m.ReportMock(issueType, dstNodeID, extra)
}
