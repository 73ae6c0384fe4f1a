//go:build !no_rules

package rules

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "rules"), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{
		Meta: Meta{Name: "Low OEE alert", Enabled: true},
		Code: `oee.log("hi")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "low_oee_alert" {
		t.Errorf("ID = %q, want low_oee_alert", saved.ID)
	}

	data, err := os.ReadFile(saved.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), `-- {"name":"Low OEE alert","enabled":true}`) {
		t.Errorf("file header = %q", strings.SplitN(string(data), "\n", 2)[0])
	}

	got, err := m.Get("low_oee_alert")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta || got.Code != "oee.log(\"hi\")\n" {
		t.Errorf("Get = %+v", got)
	}
}

func TestManagerSaveUniqueIDs(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Save(&Script{Meta: Meta{Name: "Stop"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Save(&Script{Meta: Meta{Name: "Stop"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "stop" || b.ID != "stop_1" {
		t.Errorf("IDs = %q, %q", a.ID, b.ID)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)
	files := map[string]string{
		"b.lua":      "-- {\"name\":\"B\",\"enabled\":true}\noee.log('b')\n",
		"a.lua":      "oee.log('no header')\n",
		"broken.lua": "-- {not json\n",
		"notes.txt":  "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(m.Dir(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List = %+v", list)
	}
	if list[0].Meta.Name != "a" || list[0].Meta.Enabled {
		t.Errorf("headerless rule meta = %+v, want name from id and disabled", list[0].Meta)
	}
	if !list[1].Meta.Enabled || list[1].Code != "oee.log('b')\n" {
		t.Errorf("rule b = %+v", list[1])
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "..", "../x", `a\b`} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}
