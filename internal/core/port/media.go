package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// CaptureDevices is the platform's capture surface.
type CaptureDevices interface {
	GetUserMedia(ctx context.Context, constraints domain.CaptureConstraints) ([]domain.Track, error)
	GetDisplayMedia(ctx context.Context, opts domain.ScreenOptions) ([]domain.Track, error)
	EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error)
	// QueryPermission returns domain.ErrPermissionQueryUnsupported when
	// the platform cannot answer without opening a device.
	QueryPermission(ctx context.Context) (domain.PermissionStatus, error)
	// OnDeviceChange registers fn to run when devices are plugged or
	// unplugged. It returns a function that unregisters it.
	OnDeviceChange(fn func()) (cancel func())
}
