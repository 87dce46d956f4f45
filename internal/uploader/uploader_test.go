package uploader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AlfredDev/actcore/internal/model"
)

func writeSegment(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadSegmentParsesEvents(t *testing.T) {
	dir := t.TempDir()
	e := model.Event{EventID: "e1", Activity: "actcore.log_event", Customer: "cust-1", Ts: time.Now()}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	path := writeSegment(t, dir, "seg1.seg", []string{string(raw)})

	records, err := readSegment(path)
	if err != nil {
		t.Fatalf("readSegment failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].EventID != "e1" {
		t.Errorf("unexpected event id %q", records[0].EventID)
	}
}

func TestReadSegmentSkipsCorruptedLines(t *testing.T) {
	dir := t.TempDir()
	e := model.Event{EventID: "e1", Activity: "actcore.log_event", Customer: "cust-1", Ts: time.Now()}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	path := writeSegment(t, dir, "seg1.seg", []string{"{not valid json", string(raw)})

	records, err := readSegment(path)
	if err != nil {
		t.Fatalf("readSegment failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected corrupted line to be skipped, got %d records", len(records))
	}
}

func TestReadSegmentSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := writeSegment(t, dir, "seg1.seg", []string{"", ""})
	records, err := readSegment(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("expected 0 records from blank lines, got %d", len(records))
	}
}

func TestMoveToRenamesIntoSiblingSubdir(t *testing.T) {
	root := t.TempDir()
	active := filepath.Join(root, "active")
	processed := filepath.Join(root, "processed")
	if err := os.MkdirAll(active, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(processed, 0755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(active, "seg1.seg")
	if err := os.WriteFile(src, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	u := &Uploader{}
	if err := u.moveTo(src, "processed", nil); err != nil {
		t.Fatalf("moveTo failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(processed, "seg1.seg")); err != nil {
		t.Errorf("expected segment moved to processed/: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("expected source segment to no longer exist")
	}
}

func TestMoveToPropagatesCauseOnSuccessfulRename(t *testing.T) {
	root := t.TempDir()
	active := filepath.Join(root, "active")
	errDir := filepath.Join(root, "error")
	if err := os.MkdirAll(active, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(errDir, 0755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(active, "seg1.seg")
	if err := os.WriteFile(src, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	cause := errTest("upload failed")
	u := &Uploader{}
	err := u.moveTo(src, "error", cause)
	if err != cause {
		t.Errorf("expected moveTo to return the original cause on successful rename, got %v", err)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
