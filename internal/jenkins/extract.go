package jenkins

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/haatos/runsync/internal/store"
	"github.com/tidwall/gjson"
)

const (
	SourceTestReport = "test_report"
	SourceArtifact   = "artifact"
	SourceLog        = "log"
	SourceBuild      = "build"
)

// TestResults is what an extractor recovered for one build.
type TestResults struct {
	Source     string
	Total      int64
	Passed     int64
	Failed     int64
	Skipped    int64
	DurationMs int64
	Results    []store.RunResult
}

// ResultExtractor recovers per-case results for a finished build. A nil
// result with a nil error means the strategy found nothing to use.
type ResultExtractor interface {
	Name() string
	Extract(ctx context.Context, job, buildID string, build *BuildStatus) (*TestResults, error)
}

// DefaultExtractors returns the strategies in the order they are tried.
func (c *Client) DefaultExtractors() []ResultExtractor {
	return []ResultExtractor{
		&TestReportExtractor{client: c},
		&ArtifactExtractor{client: c},
		&LogPatternExtractor{client: c},
	}
}

// ExtractResults tries each strategy in order and falls back to a single
// result synthesized from the build outcome. It never fails.
func (c *Client) ExtractResults(
	ctx context.Context,
	job, buildID string,
	build *BuildStatus,
) *TestResults {
	for _, extractor := range c.extractors {
		tr, err := extractor.Extract(ctx, job, buildID, build)
		if err != nil {
			c.logger.Debugw("result extraction strategy failed",
				"strategy", extractor.Name(),
				"job", job,
				"build_id", buildID,
				"error", err,
			)
			continue
		}
		if tr != nil {
			return tr
		}
	}
	return SynthesizeResults(build)
}

// SynthesizeResults builds a single result named after the build from its
// outcome.
func SynthesizeResults(build *BuildStatus) *TestResults {
	tr := &TestResults{
		Source:     SourceBuild,
		Total:      1,
		DurationMs: build.Duration,
	}
	status := store.CaseStatusSkipped
	switch build.ResultString() {
	case ResultSuccess:
		tr.Passed = 1
		status = store.CaseStatusPassed
	case ResultFailure, ResultUnstable:
		tr.Failed = 1
		status = store.CaseStatusFailed
	default:
		tr.Skipped = 1
	}
	tr.Results = []store.RunResult{{
		CaseName:   fmt.Sprintf("Build %d", build.Number),
		Status:     status,
		DurationMs: build.Duration,
	}}
	return tr
}

var (
	caseIDPattern      = regexp.MustCompile(`(?i)case[_-]?(\d+)`)
	firstNumberPattern = regexp.MustCompile(`(\d+)`)
)

// ExtractCaseID pulls a case id out of a test name, preferring an explicit
// "case_N" marker over the first number found. It returns 0 when there is
// none.
func ExtractCaseID(name string) int64 {
	m := caseIDPattern.FindStringSubmatch(name)
	if m == nil {
		m = firstNumberPattern.FindStringSubmatch(name)
	}
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func MapCaseStatus(status string) store.CaseStatus {
	switch strings.ToLower(status) {
	case "passed", "success", "fixed":
		return store.CaseStatusPassed
	case "failed", "failure", "regression":
		return store.CaseStatusFailed
	case "skipped":
		return store.CaseStatusSkipped
	default:
		return store.CaseStatusError
	}
}

func optionalString(r gjson.Result) *string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	s := r.String()
	if r.IsObject() || r.IsArray() {
		s = r.Raw
	}
	if s == "" {
		return nil
	}
	return &s
}

func optionalInt(r gjson.Result) *int64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Int()
	return &v
}

// TestReportExtractor reads the JUnit report Jenkins publishes at
// /testReport/api/json.
type TestReportExtractor struct {
	client *Client
}

func (e *TestReportExtractor) Name() string { return SourceTestReport }

func (e *TestReportExtractor) Extract(
	ctx context.Context,
	job, buildID string,
	_ *BuildStatus,
) (*TestResults, error) {
	b, err := e.client.getTestReport(ctx, job, buildID)
	if err != nil {
		return nil, err
	}
	return parseTestReport(b)
}

func parseTestReport(b []byte) (*TestResults, error) {
	if !gjson.ValidBytes(b) {
		return nil, errors.New("invalid test report json")
	}
	report := gjson.ParseBytes(b)
	tr := &TestResults{
		Source:     SourceTestReport,
		Passed:     report.Get("passCount").Int(),
		Failed:     report.Get("failCount").Int(),
		Skipped:    report.Get("skipCount").Int(),
		DurationMs: int64(report.Get("duration").Float() * 1000),
		Results:    make([]store.RunResult, 0),
	}
	report.Get("suites").ForEach(func(_, suite gjson.Result) bool {
		suite.Get("cases").ForEach(func(_, tc gjson.Result) bool {
			name := tc.Get("name").String()
			tr.Results = append(tr.Results, store.RunResult{
				CaseID:       ExtractCaseID(name),
				CaseName:     name,
				Status:       MapCaseStatus(tc.Get("status").String()),
				DurationMs:   int64(tc.Get("duration").Float() * 1000),
				ErrorMessage: optionalString(tc.Get("errorDetails")),
				StackTrace:   optionalString(tc.Get("errorStackTrace")),
			})
			return true
		})
		return true
	})
	tr.Total = report.Get("totalCount").Int()
	if tr.Total == 0 {
		tr.Total = tr.Passed + tr.Failed + tr.Skipped
	}
	if tr.Total == 0 && len(tr.Results) == 0 {
		return nil, nil
	}
	return tr, nil
}

// ArtifactExtractor looks for an archived result file whose name contains
// "test-results" or "results.json".
type ArtifactExtractor struct {
	client *Client
}

func (e *ArtifactExtractor) Name() string { return SourceArtifact }

func (e *ArtifactExtractor) Extract(
	ctx context.Context,
	job, buildID string,
	_ *BuildStatus,
) (*TestResults, error) {
	b, err := e.client.getArtifactList(ctx, job, buildID)
	if err != nil {
		return nil, err
	}
	relativePath := findResultArtifact(b)
	if relativePath == "" {
		return nil, nil
	}
	file, err := e.client.getArtifact(ctx, job, buildID, relativePath)
	if err != nil {
		return nil, err
	}
	return parseResultFile(file)
}

func findResultArtifact(b []byte) string {
	var relativePath string
	gjson.GetBytes(b, "artifacts").ForEach(func(_, artifact gjson.Result) bool {
		name := artifact.Get("fileName").String()
		if strings.Contains(name, "test-results") || strings.Contains(name, "results.json") {
			relativePath = artifact.Get("relativePath").String()
			return false
		}
		return true
	})
	return relativePath
}

func parseResultFile(b []byte) (*TestResults, error) {
	if !gjson.ValidBytes(b) {
		return nil, errors.New("invalid result file json")
	}
	file := gjson.ParseBytes(b)
	results := file.Get("testResults")
	if !results.Exists() {
		return nil, nil
	}
	tr := &TestResults{
		Source:     SourceArtifact,
		Total:      file.Get("totalCases").Int(),
		Passed:     file.Get("passedCases").Int(),
		Failed:     file.Get("failedCases").Int(),
		Skipped:    file.Get("skippedCases").Int(),
		DurationMs: file.Get("duration").Int(),
		Results:    make([]store.RunResult, 0),
	}
	results.ForEach(func(_, r gjson.Result) bool {
		name := r.Get("caseName").String()
		caseID := r.Get("caseId").Int()
		if caseID == 0 {
			caseID = ExtractCaseID(name)
		}
		tr.Results = append(tr.Results, store.RunResult{
			CaseID:           caseID,
			CaseName:         name,
			Status:           MapCaseStatus(r.Get("status").String()),
			DurationMs:       r.Get("duration").Int(),
			ErrorMessage:     optionalString(r.Get("errorMessage")),
			StackTrace:       optionalString(r.Get("stackTrace")),
			ScreenshotPath:   optionalString(r.Get("screenshotPath")),
			LogPath:          optionalString(r.Get("logPath")),
			AssertionsTotal:  optionalInt(r.Get("assertionsTotal")),
			AssertionsPassed: optionalInt(r.Get("assertionsPassed")),
			ResponseData:     optionalString(r.Get("responseData")),
		})
		return true
	})
	return tr, nil
}

// LogPatternExtractor scrapes summary lines from the console output.
type LogPatternExtractor struct {
	client *Client
}

func (e *LogPatternExtractor) Name() string { return SourceLog }

func (e *LogPatternExtractor) Extract(
	ctx context.Context,
	job, buildID string,
	_ *BuildStatus,
) (*TestResults, error) {
	var (
		b     strings.Builder
		start int64
	)
	for {
		text, next, more, err := e.client.GetBuildLog(ctx, job, buildID, start)
		if err != nil {
			return nil, err
		}
		b.WriteString(text)
		if !more || next <= start || b.Len() >= maxBodySize {
			break
		}
		start = next
	}
	return parseLogSummary(b.String()), nil
}

var (
	junitSummaryPattern  = regexp.MustCompile(`(?i)Tests run:\s*(\d+),\s*Failures:\s*(\d+),\s*Errors:\s*(\d+),\s*Skipped:\s*(\d+)`)
	customSummaryPattern = regexp.MustCompile(`(?i)PASSED:\s*(\d+),\s*FAILED:\s*(\d+),\s*SKIPPED:\s*(\d+)`)
	totalSummaryPattern  = regexp.MustCompile(`(?i)Total:\s*(\d+),\s*Pass:\s*(\d+),\s*Fail:\s*(\d+),\s*Skip:\s*(\d+)`)
)

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// parseLogSummary recognises a JUnit/Maven summary, a PASSED/FAILED/SKIPPED
// line or a Total/Pass/Fail/Skip line, in that order.
func parseLogSummary(log string) *TestResults {
	if m := junitSummaryPattern.FindStringSubmatch(log); m != nil {
		total := atoi64(m[1])
		failed := atoi64(m[2]) + atoi64(m[3])
		skipped := atoi64(m[4])
		return &TestResults{
			Source:  SourceLog,
			Total:   total,
			Passed:  max(total-failed-skipped, 0),
			Failed:  failed,
			Skipped: skipped,
		}
	}
	if m := customSummaryPattern.FindStringSubmatch(log); m != nil {
		passed, failed, skipped := atoi64(m[1]), atoi64(m[2]), atoi64(m[3])
		return &TestResults{
			Source:  SourceLog,
			Total:   passed + failed + skipped,
			Passed:  passed,
			Failed:  failed,
			Skipped: skipped,
		}
	}
	if m := totalSummaryPattern.FindStringSubmatch(log); m != nil {
		return &TestResults{
			Source:  SourceLog,
			Total:   atoi64(m[1]),
			Passed:  atoi64(m[2]),
			Failed:  atoi64(m[3]),
			Skipped: atoi64(m[4]),
		}
	}
	return nil
}
