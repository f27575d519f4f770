package tui

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/taskdash/taskdash/internal/group"
	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store/storetest"
)

func newModel(t *testing.T) (Model, *storetest.Memory, *session.Controller) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	st := storetest.NewMemory(storetest.SampleRecords()...)
	ctrl := session.New(st, group.New(st, &group.Config{Logger: quiet}), &session.Config{
		Location: time.UTC,
		Logger:   quiet,
		IntN:     func(int) int { return 0 },
	})
	if err := ctrl.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	return New(context.Background(), ctrl, ""), st, ctrl
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// actionKeys return commands that talk to the store.
var actionKeys = map[string]bool{"d": true, "1": true, "2": true, "3": true, "4": true, "y": true, "R": true}

// press sends keys and runs store commands to completion, feeding their
// result back into the model.
func press(t *testing.T, m Model, keys ...string) Model {
	t.Helper()
	for _, k := range keys {
		next, cmd := m.Update(key(k))
		m = next.(Model)
		if cmd == nil || !actionKeys[k] {
			continue
		}
		if msg, ok := cmd().(actionMsg); ok {
			next, _ = m.Update(msg)
			m = next.(Model)
		}
	}
	return m
}

func TestToggleUnfinished(t *testing.T) {
	m, _, _ := newModel(t)
	if len(m.page.Rows) != 3 {
		t.Fatalf("initial rows = %d, want 3", len(m.page.Rows))
	}
	m = press(t, m, "u")
	if len(m.page.Rows) != 2 {
		t.Errorf("unfinished rows = %d, want 2", len(m.page.Rows))
	}
	if !strings.Contains(m.View(), "[unfinished]") {
		t.Error("header does not show the filter")
	}
}

func TestSearch(t *testing.T) {
	m, _, ctrl := newModel(t)
	m = press(t, m, "/", "m", "a", "p", "s", "enter")

	if got := ctrl.Session().Search; got != "maps" {
		t.Fatalf("search = %q, want maps", got)
	}
	if len(m.page.Rows) != 1 {
		t.Errorf("rows = %d, want 1", len(m.page.Rows))
	}
}

func TestSearch_EscKeepsPrevious(t *testing.T) {
	m, _, ctrl := newModel(t)
	m = press(t, m, "/", "x", "esc")
	if ctrl.Session().Search != "" {
		t.Errorf("esc applied search %q", ctrl.Session().Search)
	}
	if m.searching {
		t.Error("still searching after esc")
	}
}

func TestDetail(t *testing.T) {
	m, _, _ := newModel(t)
	m = press(t, m, "down", "enter")
	if m.page.Detail == nil || m.page.Detail.ID != "2" {
		t.Fatalf("detail = %+v, want record 2", m.page.Detail)
	}
	m = press(t, m, "esc")
	if m.page.Detail != nil {
		t.Error("esc did not close detail")
	}
}

func TestMarkDone(t *testing.T) {
	m, st, ctrl := newModel(t)
	m = press(t, m, "d")

	if m.err != nil {
		t.Fatalf("mark done failed: %v", m.err)
	}
	if !strings.Contains(m.status, "Marked A done (2 records)") {
		t.Errorf("status = %q", m.status)
	}
	if st.Writes() != 1 {
		t.Errorf("writes = %d, want 1", st.Writes())
	}
	r, _ := ctrl.Find("2")
	if !r.Done() {
		t.Error("group member not done")
	}
}

func TestRate(t *testing.T) {
	m, _, ctrl := newModel(t)
	m = press(t, m, "3")
	if m.err != nil {
		t.Fatalf("rate failed: %v", m.err)
	}
	r, _ := ctrl.Find("1")
	if r.Rating != "hard" {
		t.Errorf("rating = %q, want hard", r.Rating)
	}
}

func TestActions_StayOnTable(t *testing.T) {
	for _, k := range []string{"d", "2"} {
		m, _, ctrl := newModel(t)
		m = press(t, m, "down", k)

		if m.err != nil {
			t.Fatalf("%s failed: %v", k, m.err)
		}
		if ctrl.Session().SingleView {
			t.Errorf("%s opened the single view", k)
		}
		if m.page.Detail != nil {
			t.Errorf("%s shows detail %+v", k, m.page.Detail)
		}
		if len(m.page.Rows) != 3 {
			t.Errorf("%s: rows = %d, want 3", k, len(m.page.Rows))
		}
	}
}

func TestActions_KeepOpenDetail(t *testing.T) {
	m, _, ctrl := newModel(t)
	m = press(t, m, "down", "enter", "d")

	if !ctrl.Session().SingleView {
		t.Error("d closed the single view")
	}
	if m.page.Detail == nil || m.page.Detail.ID != "2" {
		t.Errorf("detail = %+v, want record 2", m.page.Detail)
	}
}

func TestClear_RequiresYes(t *testing.T) {
	m, st, ctrl := newModel(t)

	m = press(t, m, "C")
	if !strings.Contains(m.View(), "(y/n)") {
		t.Error("no confirmation prompt")
	}
	m = press(t, m, "n")
	if st.Writes() != 0 {
		t.Error("clear ran without confirmation")
	}

	m = press(t, m, "C", "y")
	if m.err != nil {
		t.Fatalf("clear failed: %v", m.err)
	}
	r, _ := ctrl.Find("3")
	if r.Done() {
		t.Error("record still done after clear")
	}
}

func TestRandomPick(t *testing.T) {
	m, _, _ := newModel(t)
	m = press(t, m, "r")
	if m.page.Detail == nil || !m.page.Detail.Found || m.page.Detail.Done {
		t.Errorf("random pick detail = %+v", m.page.Detail)
	}
}

func TestProgressToggle(t *testing.T) {
	m, _, _ := newModel(t)
	m = press(t, m, "p")
	if !strings.Contains(m.View(), "1 finished, 2 unfinished") {
		t.Error("progress not shown")
	}
}

func TestErrorShown(t *testing.T) {
	m, st, _ := newModel(t)
	st.FailWrites = io.ErrUnexpectedEOF
	m = press(t, m, "d")
	if m.err == nil {
		t.Fatal("no error recorded")
	}
	if !strings.Contains(m.View(), "unexpected EOF") {
		t.Errorf("view does not show error:\n%s", m.View())
	}
}

func TestQuit(t *testing.T) {
	m, _, _ := newModel(t)
	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}
