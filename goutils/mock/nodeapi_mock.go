package mock

import "context"

type NodeAPIMock struct {
	DeleteRegistrationMock func(ctx context.Context, registrationID string) error
}

func (m NodeAPIMock) DeleteRegistration(ctx context.Context, registrationID string) error {
	return m.DeleteRegistrationMock(ctx, registrationID)
}
