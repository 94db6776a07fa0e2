package provider

import (
	"context"
	"time"
)

// WarmupParams selects behavior for a warmup task.
type WarmupParams struct {
	BrowseVideos int    `json:"browseVideos,omitempty"`
	Keyword      string `json:"searchKeyword,omitempty"`
	DurationMins int    `json:"durationMins,omitempty"`
}

type taskResponse struct {
	TaskID string `json:"taskId"`
}

// scheduleNow returns the default scheduleAt for task submissions.
func scheduleNow() int64 {
	return time.Now().Unix()
}

type loginRequest struct {
	EnvID      string `json:"envId"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	ScheduleAt int64  `json:"scheduleAt"`
}

// InstagramLogin submits a credentialed Instagram login task.
func (c *Client) InstagramLogin(ctx context.Context, envID, username, password string) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/ig/login", loginRequest{
		EnvID:      envID,
		Username:   username,
		Password:   password,
		ScheduleAt: scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

type warmupRequest struct {
	EnvID      string       `json:"envId"`
	Params     WarmupParams `json:"params"`
	ScheduleAt int64        `json:"scheduleAt"`
}

// InstagramWarmup submits an Instagram warmup task.
func (c *Client) InstagramWarmup(ctx context.Context, envID string, params WarmupParams) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/ig/warmup", warmupRequest{
		EnvID:      envID,
		Params:     params,
		ScheduleAt: scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

type publishVideoRequest struct {
	EnvID       string `json:"envId"`
	Description string `json:"description,omitempty"`
	VideoURL    string `json:"videoUrl"`
	ScheduleAt  int64  `json:"scheduleAt"`
}

// InstagramPublishReelsVideo submits a reels video publication task.
func (c *Client) InstagramPublishReelsVideo(ctx context.Context, envID, description, videoURL string) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/ig/publishReelsVideo", publishVideoRequest{
		EnvID:       envID,
		Description: description,
		VideoURL:    videoURL,
		ScheduleAt:  scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

type publishImagesRequest struct {
	EnvID       string   `json:"envId"`
	Description string   `json:"description,omitempty"`
	ImageURLs   []string `json:"imageUrls"`
	ScheduleAt  int64    `json:"scheduleAt"`
}

// InstagramPublishReelsImages submits an image carousel publication task.
func (c *Client) InstagramPublishReelsImages(ctx context.Context, envID, description string, imageURLs []string) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/ig/publishReelsImages", publishImagesRequest{
		EnvID:       envID,
		Description: description,
		ImageURLs:   imageURLs,
		ScheduleAt:  scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// RedditWarmup submits a Reddit warmup task.
func (c *Client) RedditWarmup(ctx context.Context, envID string, params WarmupParams) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/reddit/warmup", warmupRequest{
		EnvID:      envID,
		Params:     params,
		ScheduleAt: scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// RedditPublishImage submits a Reddit image post task.
func (c *Client) RedditPublishImage(ctx context.Context, envID, description string, imageURLs []string) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/reddit/publishImage", publishImagesRequest{
		EnvID:       envID,
		Description: description,
		ImageURLs:   imageURLs,
		ScheduleAt:  scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// RedditPublishVideo submits a Reddit video post task.
func (c *Client) RedditPublishVideo(ctx context.Context, envID, description, videoURL string) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/reddit/publishVideo", publishVideoRequest{
		EnvID:       envID,
		Description: description,
		VideoURL:    videoURL,
		ScheduleAt:  scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

type customTaskRequest struct {
	EnvID      string            `json:"envId"`
	FlowID     string            `json:"flowId"`
	ParamMap   map[string]string `json:"paramMap,omitempty"`
	ScheduleAt int64             `json:"scheduleAt"`
}

// CreateCustomTask submits a task from a parametrized flow template.
func (c *Client) CreateCustomTask(ctx context.Context, envID, flowID string, params map[string]string) (string, error) {
	var out taskResponse
	err := c.post(ctx, "/open/v1/task/custom", customTaskRequest{
		EnvID:      envID,
		FlowID:     flowID,
		ParamMap:   params,
		ScheduleAt: scheduleNow(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TaskID, nil
}

type queryTasksRequest struct {
	TaskIDs []string `json:"taskIds"`
}

type queryTasksResponse struct {
	Items []TaskRecord `json:"items"`
}

// QueryTasks returns the current records for the given tasks.
func (c *Client) QueryTasks(ctx context.Context, taskIDs []string) ([]TaskRecord, error) {
	var out queryTasksResponse
	if err := c.post(ctx, "/open/v1/task/query", queryTasksRequest{TaskIDs: taskIDs}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// QueryTask returns the current record for one task.
func (c *Client) QueryTask(ctx context.Context, taskID string) (TaskRecord, error) {
	records, err := c.QueryTasks(ctx, []string{taskID})
	if err != nil {
		return TaskRecord{}, err
	}
	if len(records) == 0 {
		return TaskRecord{}, &APIError{Code: CodeResourceNotFound, Msg: "task not found: " + taskID}
	}
	return records[0], nil
}
