package provider

// PhoneStatus is the provider's lifecycle state for a cloud phone.
type PhoneStatus int

const (
	PhoneStarted  PhoneStatus = 0
	PhoneStarting PhoneStatus = 1
	PhoneShutDown PhoneStatus = 2
	PhoneExpired  PhoneStatus = 3
)

func (s PhoneStatus) String() string {
	switch s {
	case PhoneStarted:
		return "started"
	case PhoneStarting:
		return "starting"
	case PhoneShutDown:
		return "shut_down"
	case PhoneExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// TaskStatus is the provider's lifecycle state for an RPA task.
type TaskStatus int

const (
	TaskWaiting    TaskStatus = 1
	TaskInProgress TaskStatus = 2
	TaskCompleted  TaskStatus = 3
	TaskFailed     TaskStatus = 4
	TaskCancelled  TaskStatus = 7
)

// IsTerminal reports whether the task has reached a final status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) String() string {
	switch s {
	case TaskWaiting:
		return "waiting"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Phone is one cloud-phone environment in a group.
type Phone struct {
	EnvID     string `json:"envId"`
	Name      string `json:"envName"`
	GroupName string `json:"groupName"`
	Remark    string `json:"remark,omitempty"`
}

// InstalledApp is one app installed on a phone.
type InstalledApp struct {
	AppVersionID string `json:"appVersionId"`
	PackageName  string `json:"packageName"`
	AppName      string `json:"appName"`
	Version      string `json:"versionName"`
}

// TaskRecord is the provider's view of a submitted RPA task.
type TaskRecord struct {
	TaskID   string     `json:"taskId"`
	Status   TaskStatus `json:"status"`
	FailCode int        `json:"failCode,omitempty"`
	FailDesc string     `json:"failDesc,omitempty"`
	Cost     int        `json:"cost,omitempty"`
}

// MarketplaceApp is an installable app build from the provider catalog.
type MarketplaceApp struct {
	AppVersionID string `json:"appVersionId"`
	AppName      string `json:"appName"`
	PackageName  string `json:"packageName"`
	Version      string `json:"versionName"`
}

// TaskFlow is a parametrized RPA script template.
type TaskFlow struct {
	FlowID string   `json:"flowId"`
	Title  string   `json:"title"`
	Desc   string   `json:"desc,omitempty"`
	Params []string `json:"params,omitempty"`
}

// Group is a named collection of phones.
type Group struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
	Count     int    `json:"envCount"`
}

// ScreenshotResult is the outcome of a screenshot task.
type ScreenshotResult struct {
	Status      TaskStatus `json:"status"`
	DownloadURL string     `json:"downloadLink,omitempty"`
}
