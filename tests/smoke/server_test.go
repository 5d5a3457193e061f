//go:build smoke

package smoke

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codr1/bookable/internal/db"
	"github.com/codr1/bookable/internal/testutil"
)

func TestServerStartup(t *testing.T) {
	repoRoot := findRepoRoot(t)
	tempDir := t.TempDir()

	binPath := filepath.Join(tempDir, "bookable-server")
	buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/server")
	buildCmd.Dir = repoRoot
	buildOutput, err := buildCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to build server: %v\n%s", err, buildOutput)
	}

	port := reservePort(t)
	configPath := filepath.Join(tempDir, "config.yaml")
	dbPath := filepath.Join(tempDir, "db", "smoke.db")
	configBody := fmt.Sprintf(`app:
  name: "bookable"
  environment: "development"
  port: %d
  base_url: "http://localhost:%d"

database:
  driver: "sqlite"
  filename: "%s"

ledger:
  backend: "database"
  hold_minutes: 5
  sweep_schedule: "*/5 * * * *"
  enable_sweep_job: true

features:
  enable_debug: true
`, port, port, filepath.ToSlash(dbPath))

	if err := os.WriteFile(configPath, []byte(configBody), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cmd := exec.Command(binPath)
	cmd.Dir = tempDir
	cmd.Env = append(os.Environ(), "CONFIG_PATH="+configPath)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitDone := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	t.Cleanup(func() {
		if cmd.Process == nil {
			return
		}
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-waitDone:
			return
		case <-time.After(5 * time.Second):
		}
		_ = cmd.Process.Kill()
		select {
		case <-waitDone:
		case <-time.After(5 * time.Second):
			t.Logf("server process did not exit after kill")
		}
	})

	healthURL := fmt.Sprintf("http://localhost:%d/health", port)
	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(10 * time.Second)

	for {
		select {
		case <-waitDone:
			t.Fatalf("server exited before health check: %v\nstdout:\n%s\nstderr:\n%s", waitErr, stdout.String(), stderr.String())
		default:
		}

		resp, err := client.Get(healthURL)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for health check\nstdout:\n%s\nstderr:\n%s", stdout.String(), stderr.String())
		}

		time.Sleep(100 * time.Millisecond)
	}

	select {
	case <-waitDone:
		t.Fatalf("server exited unexpectedly: %v\nstdout:\n%s\nstderr:\n%s", waitErr, stdout.String(), stderr.String())
	default:
	}

	eventID := seedHost(t, dbPath)
	day := nextWeekday(time.Now().UTC().AddDate(0, 0, 7), time.Wednesday)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	slotsURL := fmt.Sprintf("%s/api/v1/slots?eventTypeId=%d&startTime=%s&endTime=%s",
		baseURL, eventID, day.Format(time.RFC3339), day.AddDate(0, 0, 1).Format(time.RFC3339))
	resp, err := client.Get(slotsURL)
	if err != nil {
		t.Fatalf("get slots: %v", err)
	}
	var schedule struct {
		Slots map[string][]struct {
			Time string `json:"time"`
		} `json:"slots"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&schedule)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || decodeErr != nil {
		t.Fatalf("get slots: status %d, decode %v", resp.StatusCode, decodeErr)
	}
	if got := len(schedule.Slots[day.Format("2006-01-02")]); got != 16 {
		t.Fatalf("expected 16 slots on %s, got %d", day.Format("2006-01-02"), got)
	}

	reserveBody := fmt.Sprintf(`{"eventTypeId":%d,"slotUtcStartDate":%q,"slotUtcEndDate":%q}`,
		eventID, day.Add(9*time.Hour).Format(time.RFC3339), day.Add(9*time.Hour+30*time.Minute).Format(time.RFC3339))
	resp, err = client.Post(baseURL+"/api/v1/slots/reserve", "application/json", strings.NewReader(reserveBody))
	if err != nil {
		t.Fatalf("reserve slot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reserve slot: status %d", resp.StatusCode)
	}
	var owner *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "uid" {
			owner = c
		}
	}
	if owner == nil || owner.Value == "" {
		t.Fatalf("expected uid cookie from reserve")
	}
}

// seedHost adds a UTC host working Mon-Fri 09:00-17:00 with a 30 minute event.
func seedHost(t *testing.T, dbPath string) int64 {
	t.Helper()

	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()

	res, err := database.Exec("INSERT INTO users (username, time_zone) VALUES ('smoke', 'UTC')")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	userID, _ := res.LastInsertId()
	res, err = database.Exec("INSERT INTO schedules (user_id, time_zone) VALUES (?, 'UTC')", userID)
	if err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	scheduleID, _ := res.LastInsertId()
	if _, err := database.Exec("INSERT INTO working_hours (schedule_id, days, start_minute, end_minute) VALUES (?, '1,2,3,4,5', 540, 1020)", scheduleID); err != nil {
		t.Fatalf("insert working hours: %v", err)
	}
	res, err = database.Exec("INSERT INTO event_types (owner_id, slug, length_minutes) VALUES (?, 'smoke', 30)", userID)
	if err != nil {
		t.Fatalf("insert event type: %v", err)
	}
	eventID, _ := res.LastInsertId()
	return eventID
}

func nextWeekday(from time.Time, weekday time.Weekday) time.Time {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for day.Weekday() != weekday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func reservePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func findRepoRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatal("failed to locate repo root with go.mod")
	return ""
}

func TestMigrationsApplied(t *testing.T) {
	db := testutil.NewTestDB(t)

	expectedTables := []string{
		"users",
		"schedules",
		"working_hours",
		"date_overrides",
		"event_types",
		"event_hosts",
		"bookings",
		"attendees",
		"selected_slots",
	}

	for _, table := range expectedTables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			t.Fatalf("missing expected table %q after migrations", table)
		}
		if err != nil {
			t.Fatalf("query table %q existence: %v", table, err)
		}
	}
}

func TestForeignKeyIntegrity(t *testing.T) {
	db := testutil.NewTestDB(t)

	var foreignKeysEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeysEnabled); err != nil {
		t.Fatalf("query foreign_keys pragma: %v", err)
	}
	if foreignKeysEnabled != 1 {
		t.Fatalf("expected foreign_keys pragma enabled, got %d", foreignKeysEnabled)
	}

	_, err := db.Exec(
		`INSERT INTO schedules (user_id, name, time_zone)
		 VALUES (9999, 'Bad Schedule', 'UTC')`,
	)
	if err == nil {
		t.Fatal("expected foreign key constraint failure for invalid user_id")
	}
}
