package provider

import "context"

type installAppRequest struct {
	EnvIDs       []string `json:"envIds"`
	AppVersionID string   `json:"appVersionId"`
}

// InstallApp installs an app build on the given environments. Callers should
// treat a 42004 response (higher version already installed) as success.
func (c *Client) InstallApp(ctx context.Context, envIDs []string, appVersionID string) error {
	return c.post(ctx, "/open/v1/app/install", installAppRequest{
		EnvIDs:       envIDs,
		AppVersionID: appVersionID,
	}, nil)
}

// UninstallApp removes an app build from the given environments.
func (c *Client) UninstallApp(ctx context.Context, envIDs []string, appVersionID string) error {
	return c.post(ctx, "/open/v1/app/uninstall", installAppRequest{
		EnvIDs:       envIDs,
		AppVersionID: appVersionID,
	}, nil)
}

type installedAppsRequest struct {
	EnvID string `json:"envId"`
}

type installedAppsResponse struct {
	Items []InstalledApp `json:"items"`
}

// ListInstalledApps returns the apps present on one environment.
func (c *Client) ListInstalledApps(ctx context.Context, envID string) ([]InstalledApp, error) {
	var out installedAppsResponse
	if err := c.post(ctx, "/open/v1/app/installedList", installedAppsRequest{EnvID: envID}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

type startAppRequest struct {
	EnvID       string `json:"envId"`
	PackageName string `json:"packageName"`
}

// StartApp brings an installed app to the foreground on one environment.
func (c *Client) StartApp(ctx context.Context, envID, packageName string) error {
	return c.post(ctx, "/open/v1/app/start", startAppRequest{
		EnvID:       envID,
		PackageName: packageName,
	}, nil)
}
