// Package doctor runs local diagnostics for the runtime home, configuration,
// service socket and tool servers.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/aixterm/internal/audit"
	"github.com/basket/aixterm/internal/config"
	"github.com/basket/aixterm/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

// recentRequests is how many audit rows the database check lists.
const recentRequests = 5

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. loadErr is the error config.Load
// returned, if any; cfg still carries the resolved paths in that case.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkRuntimeHome,
		checkLogDir,
		checkSocket,
		checkDatabase,
		checkToolServers,
		checkCompletionEndpoint,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: loadErr.Error(), Detail: cfg.Paths.ConfigPath}
	}
	if _, err := os.Stat(cfg.Paths.ConfigPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "No config.yaml; using defaults", Detail: cfg.Paths.ConfigPath}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.Paths.ConfigPath)}
}

func checkRuntimeHome(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runtime Home", Status: StatusSkip, Message: "Config missing"}
	}
	home := cfg.Paths.Home
	info, err := os.Stat(home)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Runtime Home", Status: StatusWarn, Message: fmt.Sprintf("%s does not exist yet", home), Detail: "Created on first service start"}
	}
	if err != nil {
		return CheckResult{Name: "Runtime Home", Status: StatusFail, Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Runtime Home", Status: StatusFail, Message: fmt.Sprintf("%s is not a directory", home)}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return CheckResult{
			Name:    "Runtime Home",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is accessible to other users (mode %o)", home, perm),
			Detail:  fmt.Sprintf("chmod 700 %s", home),
		}
	}
	return CheckResult{Name: "Runtime Home", Status: StatusPass, Message: fmt.Sprintf("%s (mode 700)", home)}
}

func checkLogDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Log Dir", Status: StatusSkip, Message: "Config missing"}
	}
	dir := cfg.Paths.LogDir
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Log Dir", Status: StatusSkip, Message: fmt.Sprintf("%s does not exist yet", dir)}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Log Dir", Status: StatusFail, Message: fmt.Sprintf("Log dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Log Dir", Status: StatusPass, Message: "Log directory writable"}
}

func checkSocket(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Service", Status: StatusSkip, Message: "Config missing"}
	}
	sock := cfg.Paths.SocketPath
	if _, err := os.Lstat(sock); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Service", Status: StatusPass, Message: "Not running (starts on demand)"}
	}
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	c, err := d.DialContext(ctx, "unix", sock)
	if err != nil {
		return CheckResult{
			Name:    "Service",
			Status:  StatusWarn,
			Message: "Stale socket file; no service is listening",
			Detail:  fmt.Sprintf("%s is replaced on the next start (%v)", sock, err),
		}
	}
	_ = c.Close()
	return CheckResult{Name: "Service", Status: StatusPass, Message: fmt.Sprintf("Listening on %s", sock)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Audit.Enabled {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Request audit disabled"}
	}
	if _, err := os.Stat(cfg.Paths.DBPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "No request log yet"}
	}
	log, err := audit.Open(cfg.Paths.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer log.Close()

	counts, err := log.CountByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	recent, err := log.Recent(ctx, recentRequests)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var details []string
	for _, e := range recent {
		line := e.Type + " " + e.Status
		if e.ErrorCode != "" {
			line += " " + e.ErrorCode
		}
		details = append(details, fmt.Sprintf("%s (%s)", line, e.Duration))
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d requests logged", total),
		Detail:  strings.Join(details, "; "),
	}
}

func checkToolServers(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tool Servers", Status: StatusSkip, Message: "Config missing"}
	}
	servers := cfg.ServerConfigs()
	if len(servers) == 0 {
		return CheckResult{Name: "Tool Servers", Status: StatusPass, Message: "None configured"}
	}

	status := StatusPass
	var details []string
	for _, s := range servers {
		path, err := exec.LookPath(s.Command[0])
		if err != nil {
			status = StatusFail
			details = append(details, fmt.Sprintf("%s: %s not found", s.Name, s.Command[0]))
			continue
		}
		detail := fmt.Sprintf("%s: %s", s.Name, path)
		if len(s.Env) > 0 {
			env := shared.MaskEnv(s.Env)
			keys := make([]string, 0, len(env))
			for k := range env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, k+"="+env[k])
			}
			detail += " env " + strings.Join(pairs, ",")
		}
		details = append(details, detail)
	}
	return CheckResult{
		Name:    "Tool Servers",
		Status:  status,
		Message: fmt.Sprintf("Checked %d servers", len(servers)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkCompletionEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Completion", Status: StatusSkip, Message: "Config missing"}
	}
	if err := cfg.LLM.Validate(); err != nil {
		return CheckResult{Name: "Completion", Status: StatusWarn, Message: err.Error() + "; queries will fail"}
	}
	raw := strings.TrimSpace(cfg.LLM.BaseURL)
	if raw == "" {
		return CheckResult{
			Name:    "Completion",
			Status:  StatusPass,
			Message: "OpenAI default endpoint",
			Detail:  fmt.Sprintf("model=%s", cfg.LLM.ModelName()),
		}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Completion", Status: StatusFail, Message: fmt.Sprintf("llm.base_url %q is not a URL", raw)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Completion",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("model=%s, latency=%dms", cfg.LLM.ModelName(), latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Completion",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s resolves (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("model=%s", cfg.LLM.ModelName()),
	}
}
