package orchestration

import (
	"context"

	"github.com/zjrosen/phonefleet/internal/provider"
)

// ProviderClient is the slice of the provider API the orchestrator and
// state handlers consume. Tests substitute a scripted fake.
type ProviderClient interface {
	ListAllPhones(ctx context.Context, groupName string) ([]provider.Phone, error)
	StartPhones(ctx context.Context, envIDs []string) error
	RestartPhones(ctx context.Context, envIDs []string) error
	GetPhoneStatus(ctx context.Context, envID string) (provider.PhoneStatus, error)

	InstallApp(ctx context.Context, envIDs []string, appVersionID string) error
	ListInstalledApps(ctx context.Context, envID string) ([]provider.InstalledApp, error)
	StartApp(ctx context.Context, envID, packageName string) error

	InstagramLogin(ctx context.Context, envID, username, password string) (string, error)
	InstagramWarmup(ctx context.Context, envID string, params provider.WarmupParams) (string, error)
	InstagramPublishReelsVideo(ctx context.Context, envID, description, videoURL string) (string, error)
	InstagramPublishReelsImages(ctx context.Context, envID, description string, imageURLs []string) (string, error)
	CreateCustomTask(ctx context.Context, envID, flowID string, params map[string]string) (string, error)
	QueryTask(ctx context.Context, taskID string) (provider.TaskRecord, error)

	RequestScreenshot(ctx context.Context, envID string) (string, error)
	GetScreenshotResult(ctx context.Context, taskID string) (provider.ScreenshotResult, error)
}

var _ ProviderClient = (*provider.Client)(nil)
