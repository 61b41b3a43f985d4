package settings

import (
	"bufio"
	"net/url"
	"os"
	"regexp"
	"strings"
)

var Settings *AppSettings

func NewSettings() *AppSettings {
	settings := AppSettings{
		Port:           getEnvOrDefault("RUNSYNC_PORT", ":8080"),
		SQLiteDatabase: getEnvOrDefault("RUNSYNC_DB_PATH", "file:.///runsync.sqlite"),
		ConfigPath:     getEnvOrDefault("RUNSYNC_CONFIG", "runsync.yaml"),
		LogLevel:       getEnvOrDefault("RUNSYNC_LOG_LEVEL", "info"),
		JenkinsURL:     strings.TrimRight(getEnvOrDefault("JENKINS_URL", "http://localhost:8080"), "/"),
		JenkinsUser:    getEnvOrDefault("JENKINS_USER", ""),
		JenkinsToken:   getEnvOrDefault("JENKINS_TOKEN", ""),
		AllowedOrigins: splitNonEmpty(getEnvOrDefault("RUNSYNC_ALLOWED_ORIGINS", "*")),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func splitNonEmpty(s string) []string {
	parts := make([]string, 0)
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

type AppSettings struct {
	SQLiteDatabase string
	Port           string
	ConfigPath     string
	LogLevel       string
	JenkinsURL     string
	JenkinsUser    string
	JenkinsToken   string
	AllowedOrigins []string
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

func ReadDotenv(path string) error {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			name, value, _ := strings.Cut(string(line), "=")
			name = strings.TrimSpace(name)
			value = strings.Trim(strings.TrimSpace(value), `"`)
			os.Setenv(name, value)
		}
	}
	return scanner.Err()
}
