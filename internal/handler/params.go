package handler

type ExecutionParams struct {
	RunID int64 `param:"run_id"`
}

type CreateExecutionParams struct {
	JobName        string `json:"jobName"`
	TotalCases     int64  `json:"totalCases"`
	JenkinsJob     string `json:"jenkinsJob"`
	JenkinsBuildID string `json:"jenkinsBuildId"`
	JenkinsURL     string `json:"jenkinsUrl"`
}

type JenkinsInfoParams struct {
	RunID          int64  `param:"run_id"`
	JenkinsJob     string `               json:"jenkinsJob"`
	JenkinsBuildID string `               json:"jenkinsBuildId"`
	JenkinsURL     string `               json:"jenkinsUrl"`
}

type StuckParams struct {
	Timeout int64 `query:"timeout"`
	Limit   int64 `query:"limit"`
}

type SyncStuckParams struct {
	TimeoutMinutes int64 `json:"timeoutMinutes"`
	Limit          int64 `json:"limit"`
}
