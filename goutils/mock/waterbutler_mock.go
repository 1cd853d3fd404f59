package mock

import (
	"context"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/waterbutler"
)

type WaterButlerMock struct {
	GetFileTreeMock func(ctx context.Context, cookie, nodeID, provider string) (*datamodel.FileMetadata, error)
	CopyMock        func(ctx context.Context, req *datamodel.CopyRequest) (*waterbutler.CopyResponse, error)
}

func (m WaterButlerMock) GetFileTree(ctx context.Context, cookie, nodeID, provider string) (*datamodel.FileMetadata, error) {
	return m.GetFileTreeMock(ctx, cookie, nodeID, provider)
}

func (m WaterButlerMock) Copy(ctx context.Context, req *datamodel.CopyRequest) (*waterbutler.CopyResponse, error) {
	return m.CopyMock(ctx, req)
}
