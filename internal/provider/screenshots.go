package provider

import "context"

type screenshotRequest struct {
	EnvID string `json:"envId"`
}

// RequestScreenshot asks the provider to capture the phone's screen.
// The capture runs asynchronously; poll GetScreenshotResult for the URL.
func (c *Client) RequestScreenshot(ctx context.Context, envID string) (string, error) {
	var out taskResponse
	if err := c.post(ctx, "/open/v1/phone/screenshot", screenshotRequest{EnvID: envID}, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

type screenshotResultRequest struct {
	TaskID string `json:"taskId"`
}

// GetScreenshotResult returns the status and, once completed, the download
// URL of a screenshot capture.
func (c *Client) GetScreenshotResult(ctx context.Context, taskID string) (ScreenshotResult, error) {
	var out ScreenshotResult
	if err := c.post(ctx, "/open/v1/phone/screenshotResult", screenshotResultRequest{TaskID: taskID}, &out); err != nil {
		return ScreenshotResult{}, err
	}
	return out, nil
}
