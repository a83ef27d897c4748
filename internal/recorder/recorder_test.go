package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("sess"); err != nil {
			t.Fatal(err)
		}
		r.Log("analyze.begin", "sess", map[string]string{"url": "https://x"})
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	foreign := filepath.Join(dir, "notes.jsonl")
	if err := os.WriteFile(foreign, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRecorder(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for i := 0; i < MaxRotatedFiles+1; i++ {
		if err := r.Start("s"); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("expected foreign file to survive rotation: %v", err)
	}
}

func TestRecorderLogging(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	r.Log("dropped", "s1", nil)
	if r.Path() != "" {
		t.Error("expected no path before Start")
	}

	if err := r.Start("s1"); err != nil {
		t.Fatal(err)
	}
	r.Log("analyze.begin", "s1", map[string]string{"url": "https://x"})
	r.Log("analyze.done", "s1", map[string]int{"bytes": 12})

	events, err := r.Events()
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "analyze.begin" || events[0].Seq != 1 {
		t.Errorf("unexpected first event %#v", events[0])
	}
	if events[1].Seq != 2 || events[1].SessionID != "s1" {
		t.Errorf("unexpected second event %#v", events[1])
	}

	path := r.Path()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	r.Log("after.close", "s1", nil)

	events, err = ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("expected no writes after Close, got %d events", len(events))
	}
}

func TestReadEventsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_x_1.jsonl")
	content := `{"seq":1,"ts":"2024-01-01T00:00:00Z","type":"chat.send"}` + "\n" + `{"seq":2,"ts":`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != "chat.send" {
		t.Errorf("expected one complete event, got %#v", events)
	}
}
