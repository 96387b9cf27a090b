package orchestrator

import (
	"context"

	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockOrchestrator mocks the api.Orchestrator interface
type MockOrchestrator struct {
	mock.Mock
}

var _ api.Orchestrator = (*MockOrchestrator)(nil)

func vmOrNil(v any) *api.VM {
	if v == nil {
		return nil
	}
	return v.(*api.VM)
}

// PlatformCertificates mocks the PlatformCertificates method
func (m *MockOrchestrator) PlatformCertificates(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	archive, _ := args.Get(0).([]byte)
	return archive, args.Error(1)
}

// CreateVM mocks the CreateVM method
func (m *MockOrchestrator) CreateVM(ctx context.Context, req api.CreateVMRequest) (*api.VM, error) {
	args := m.Called(ctx, req)
	return vmOrNil(args.Get(0)), args.Error(1)
}

// GetVM mocks the GetVM method
func (m *MockOrchestrator) GetVM(ctx context.Context, vmID interfaces.VMID) (*api.VM, error) {
	args := m.Called(ctx, vmID)
	return vmOrNil(args.Get(0)), args.Error(1)
}

// UploadImage mocks the UploadImage method
func (m *MockOrchestrator) UploadImage(ctx context.Context, vmID interfaces.VMID, imageName string, image []byte) (*api.VM, error) {
	args := m.Called(ctx, vmID, imageName, image)
	return vmOrNil(args.Get(0)), args.Error(1)
}

// UploadGuestOwnerCertificates mocks the UploadGuestOwnerCertificates method
func (m *MockOrchestrator) UploadGuestOwnerCertificates(ctx context.Context, vmID interfaces.VMID, archive []byte) error {
	args := m.Called(ctx, vmID, archive)
	return args.Error(0)
}

// StartVM mocks the StartVM method
func (m *MockOrchestrator) StartVM(ctx context.Context, vmID interfaces.VMID) (*api.VM, error) {
	args := m.Called(ctx, vmID)
	return vmOrNil(args.Get(0)), args.Error(1)
}

// Measurement mocks the Measurement method
func (m *MockOrchestrator) Measurement(ctx context.Context, vmID interfaces.VMID) (*api.MeasurementResponse, error) {
	args := m.Called(ctx, vmID)
	resp, _ := args.Get(0).(*api.MeasurementResponse)
	return resp, args.Error(1)
}

// InjectSecret mocks the InjectSecret method
func (m *MockOrchestrator) InjectSecret(ctx context.Context, vmID interfaces.VMID, packetHeader, secret []byte) (*api.VM, error) {
	args := m.Called(ctx, vmID, packetHeader, secret)
	return vmOrNil(args.Get(0)), args.Error(1)
}
