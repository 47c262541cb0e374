package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"tinyclaw/internal/config"
	"tinyclaw/internal/heartware"
	"tinyclaw/internal/ipc"
	"tinyclaw/internal/shield"
	"tinyclaw/internal/storage"
)

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		Long: `Run diagnostic checks on your tinyclaw installation.

This command checks:
- Home directory layout and permissions
- Agent database accessibility
- Secret store readability
- Threat feed syntax
- Whether a runtime is up and its gateway answers`,
		RunE: runDoctor,
	}
}

type checkResult struct {
	name    string
	status  string // ok, warning, error
	message string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cliCtx := getContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	paths := cliCtx.Paths

	fmt.Println("Tinyclaw Doctor")
	fmt.Println("===============")
	fmt.Println()

	results := []checkResult{
		checkHomeDir(paths),
		checkDatabase(paths),
		checkSecretStore(paths),
		checkThreatFeed(cliCtx.Cfg, paths),
		checkRuntime(cliCtx.Cfg, paths),
	}

	hasErrors := false
	for _, r := range results {
		icon := "ok "
		switch r.status {
		case "warning":
			icon = "warn"
		case "error":
			icon = "FAIL"
			hasErrors = true
		}
		fmt.Printf("[%s] %s: %s\n", icon, r.name, r.message)
	}

	fmt.Println()
	if hasErrors {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("All checks passed")
	return nil
}

func checkHomeDir(paths *config.Paths) checkResult {
	r := checkResult{name: "Home directory", status: "ok"}

	info, err := os.Stat(paths.Root)
	if err != nil {
		r.status = "error"
		r.message = err.Error()
		return r
	}
	if !info.IsDir() {
		r.status = "error"
		r.message = fmt.Sprintf("%s is not a directory", paths.Root)
		return r
	}

	// Group/world access to the home dir exposes secrets.bin and the
	// databases.
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		r.status = "warning"
		r.message = fmt.Sprintf("%s has permissions %o, expected 700", paths.Root, info.Mode().Perm())
		return r
	}

	r.message = paths.Root
	return r
}

func checkDatabase(paths *config.Paths) checkResult {
	r := checkResult{name: "Agent database", status: "ok"}

	db, err := storage.Open(paths.AgentDB())
	if err != nil {
		r.status = "error"
		r.message = err.Error()
		return r
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		r.status = "error"
		r.message = err.Error()
		return r
	}
	r.message = paths.AgentDB()
	return r
}

func checkSecretStore(paths *config.Paths) checkResult {
	r := checkResult{name: "Secret store", status: "ok"}

	if _, err := os.Stat(paths.SecretsFile()); os.IsNotExist(err) {
		r.message = "not yet created (instance unclaimed)"
		return r
	}
	if _, err := config.NewFileSecretStore(paths.SecretsFile()); err != nil {
		r.status = "error"
		r.message = err.Error()
		return r
	}
	r.message = paths.SecretsFile()
	return r
}

func checkThreatFeed(cfg *config.Config, paths *config.Paths) checkResult {
	r := checkResult{name: "Threat feed", status: "ok"}

	feedPath := cfg.Shield.FeedPath
	if feedPath == "" {
		feedPath = filepath.Join(paths.HeartwareDir(), heartware.FileThreats)
	}
	if _, err := os.Stat(feedPath); os.IsNotExist(err) {
		r.message = "no feed file (shield runs with an empty threat set)"
		return r
	}

	entries, warnings, err := shield.LoadFeedFile(feedPath, time.Now())
	if err != nil {
		r.status = "error"
		r.message = err.Error()
		return r
	}
	if len(warnings) > 0 {
		r.status = "warning"
		r.message = fmt.Sprintf("%d entries loaded, %d skipped: %v", len(entries), len(warnings), warnings[0])
		return r
	}
	r.message = fmt.Sprintf("%d entries", len(entries))
	return r
}

func checkRuntime(cfg *config.Config, paths *config.Paths) checkResult {
	r := checkResult{name: "Runtime", status: "ok"}

	if !ipc.IsRunning(paths.SocketPath()) {
		r.status = "warning"
		r.message = "not running"
		return r
	}

	host, port := cfg.Gateway.Host, cfg.Gateway.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 3333
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/api/health", host, port))
	if err != nil {
		r.status = "error"
		r.message = fmt.Sprintf("control socket answers but gateway does not: %v", err)
		return r
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		r.status = "warning"
		r.message = fmt.Sprintf("gateway answered with unreadable body: %v", err)
		return r
	}
	r.message = fmt.Sprintf("up, version %s", health.Version)
	return r
}
