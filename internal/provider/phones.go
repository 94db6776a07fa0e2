package provider

import "context"

const phonePageSize = 100

type listPhonesRequest struct {
	GroupName string `json:"groupName,omitempty"`
	Page      int    `json:"page"`
	PageSize  int    `json:"pageSize"`
}

type listPhonesResponse struct {
	Total int     `json:"total"`
	Items []Phone `json:"items"`
}

// ListPhones returns one page of phones in a group.
func (c *Client) ListPhones(ctx context.Context, groupName string, page, pageSize int) ([]Phone, error) {
	var out listPhonesResponse
	err := c.post(ctx, "/open/v1/phone/list", listPhonesRequest{
		GroupName: groupName,
		Page:      page,
		PageSize:  pageSize,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListAllPhones pages through the group until a short page signals the end.
func (c *Client) ListAllPhones(ctx context.Context, groupName string) ([]Phone, error) {
	var all []Phone
	for page := 1; ; page++ {
		items, err := c.ListPhones(ctx, groupName, page, phonePageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < phonePageSize {
			return all, nil
		}
	}
}

type envIDsRequest struct {
	EnvIDs []string `json:"envIds"`
}

// StartPhones powers on the given environments.
func (c *Client) StartPhones(ctx context.Context, envIDs []string) error {
	return c.post(ctx, "/open/v1/phone/start", envIDsRequest{EnvIDs: envIDs}, nil)
}

// StopPhones powers off the given environments.
func (c *Client) StopPhones(ctx context.Context, envIDs []string) error {
	return c.post(ctx, "/open/v1/phone/stop", envIDsRequest{EnvIDs: envIDs}, nil)
}

// RestartPhones reboots the given environments.
func (c *Client) RestartPhones(ctx context.Context, envIDs []string) error {
	return c.post(ctx, "/open/v1/phone/restart", envIDsRequest{EnvIDs: envIDs}, nil)
}

type phoneStatusRequest struct {
	EnvID string `json:"envId"`
}

type phoneStatusResponse struct {
	Status PhoneStatus `json:"status"`
}

// GetPhoneStatus returns the lifecycle state of one environment.
func (c *Client) GetPhoneStatus(ctx context.Context, envID string) (PhoneStatus, error) {
	var out phoneStatusResponse
	if err := c.post(ctx, "/open/v1/phone/status", phoneStatusRequest{EnvID: envID}, &out); err != nil {
		return 0, err
	}
	return out.Status, nil
}
