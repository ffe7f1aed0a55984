package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaopang/npcforge/internal/model"
	"github.com/xiaopang/npcforge/internal/usage"
)

func tempDB(t *testing.T) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

func testCharacter(id, name string) *model.Character {
	return &model.Character{
		ID: id,
		Sheet: model.CharacterSheet{
			Name:      name,
			Race:      "Dwarf",
			Class:     "Blacksmith",
			Level:     3,
			Quirks:    []string{"hums while working"},
			Abilities: model.Abilities{Strength: 16, Charisma: 9},
		},
		Setting:   "frontier town",
		TextModel: "gpt-4o-mini",
	}
}

// === Migration Tests ===

func TestNew_CreatesDirAndDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "deep", "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}
}

func TestMigrate_TablesExist(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	tables := []string{"characters", "chat_messages", "request_logs", "usage_records"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	if err := s.migrate(); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

// === Character Tests ===

func TestSaveAndGetCharacter(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	c := testCharacter("npc-1", "Borin")
	if err := s.SaveCharacter(c); err != nil {
		t.Fatalf("SaveCharacter failed: %v", err)
	}
	if c.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := s.GetCharacter("npc-1")
	if err != nil {
		t.Fatalf("GetCharacter failed: %v", err)
	}
	if got.Sheet.Name != "Borin" {
		t.Errorf("expected name 'Borin', got '%s'", got.Sheet.Name)
	}
	if got.Sheet.Abilities.Strength != 16 {
		t.Errorf("expected strength 16, got %d", got.Sheet.Abilities.Strength)
	}
	if len(got.Sheet.Quirks) != 1 {
		t.Errorf("expected 1 quirk, got %d", len(got.Sheet.Quirks))
	}
	if got.Setting != "frontier town" {
		t.Errorf("unexpected setting %q", got.Setting)
	}
}

func TestSaveCharacter_Upsert(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	c := testCharacter("npc-1", "Original")
	s.SaveCharacter(c)
	created := c.CreatedAt

	c.Sheet.Name = "Updated"
	if err := s.SaveCharacter(c); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, _ := s.GetCharacter("npc-1")
	if got.Sheet.Name != "Updated" {
		t.Errorf("expected name 'Updated', got '%s'", got.Sheet.Name)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed on update: %v -> %v", created, got.CreatedAt)
	}
	if n, _ := s.CountCharacters(); n != 1 {
		t.Errorf("expected 1 character, got %d", n)
	}
}

func TestGetCharacter_NotFound(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	_, err := s.GetCharacter("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListCharacters_NewestFirstWithoutPortraitData(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		c := testCharacter(fmt.Sprintf("npc-%d", i), fmt.Sprintf("NPC %d", i))
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i == 1 {
			c.PortraitB64 = "aGVsbG8="
		}
		s.SaveCharacter(c)
	}

	chars, err := s.ListCharacters(10, 0)
	if err != nil {
		t.Fatalf("ListCharacters failed: %v", err)
	}
	if len(chars) != 3 {
		t.Fatalf("expected 3 characters, got %d", len(chars))
	}
	if chars[0].ID != "npc-2" {
		t.Errorf("expected newest first, got %s", chars[0].ID)
	}
	if !chars[1].HasPortrait() {
		t.Error("expected npc-1 to report a portrait")
	}
	if chars[1].PortraitB64 == "aGVsbG8=" {
		t.Error("list should not carry portrait data")
	}
	if chars[2].HasPortrait() {
		t.Error("npc-0 has no portrait")
	}

	page, _ := s.ListCharacters(2, 2)
	if len(page) != 1 {
		t.Errorf("expected 1 character on second page, got %d", len(page))
	}
}

func TestUpdatePortrait(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveCharacter(testCharacter("npc-1", "Borin"))
	if err := s.UpdatePortrait("npc-1", model.Image{B64JSON: "cG5n"}, "a dwarf smith"); err != nil {
		t.Fatalf("UpdatePortrait failed: %v", err)
	}

	got, _ := s.GetCharacter("npc-1")
	if got.PortraitB64 != "cG5n" {
		t.Errorf("expected portrait data, got %q", got.PortraitB64)
	}
	if got.PortraitPrompt != "a dwarf smith" {
		t.Errorf("unexpected portrait prompt %q", got.PortraitPrompt)
	}

	if err := s.UpdatePortrait("missing", model.Image{B64JSON: "x"}, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing character, got %v", err)
	}
}

func TestDeleteCharacter_CascadesChat(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveCharacter(testCharacter("npc-del", "ToDelete"))
	s.AppendChatMessage(&model.ChatMessage{ID: "m1", CharacterID: "npc-del", Role: model.ChatRoleUser, Content: "hi"})

	if err := s.DeleteCharacter("npc-del"); err != nil {
		t.Fatalf("DeleteCharacter failed: %v", err)
	}
	if _, err := s.GetCharacter("npc-del"); !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound after delete")
	}

	var n int
	s.db.QueryRow("SELECT COUNT(*) FROM chat_messages WHERE character_id = ?", "npc-del").Scan(&n)
	if n != 0 {
		t.Errorf("expected chat messages to be deleted, found %d", n)
	}

	if err := s.DeleteCharacter("npc-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

// === Chat Tests ===

func TestListChatMessages_OrderAndLimit(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveCharacter(testCharacter("npc-1", "Borin"))
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		role := model.ChatRoleUser
		if i%2 == 1 {
			role = model.ChatRoleCharacter
		}
		err := s.AppendChatMessage(&model.ChatMessage{
			ID:          fmt.Sprintf("m%d", i),
			CharacterID: "npc-1",
			Role:        role,
			Content:     fmt.Sprintf("message %d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendChatMessage failed: %v", err)
		}
	}

	msgs, err := s.ListChatMessages("npc-1", 3)
	if err != nil {
		t.Fatalf("ListChatMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// 最近 3 条，正序
	for i, want := range []string{"m2", "m3", "m4"} {
		if msgs[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
	if msgs[1].Role != model.ChatRoleCharacter {
		t.Errorf("expected assistant role, got %s", msgs[1].Role)
	}
}

func TestAppendChatMessage_UnknownCharacter(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	err := s.AppendChatMessage(&model.ChatMessage{ID: "m1", CharacterID: "ghost", Role: model.ChatRoleUser, Content: "hi"})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

// === Usage Records ===

func TestUsageRecords_GetSet(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	if _, ok, err := s.Get("npc-generator-usage:gpt-4o"); ok || err != nil {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.Set("npc-generator-usage:gpt-4o", `{"count":1}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set("npc-generator-usage:gpt-4o", `{"count":2}`); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	v, ok, err := s.Get("npc-generator-usage:gpt-4o")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if v != `{"count":2}` {
		t.Errorf("unexpected value %q", v)
	}
}

func TestUsageTracker_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	tr := usage.NewTracker(s)
	for i := 0; i < 4; i++ {
		tr.Increment("gpt-4o-mini")
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s.Close()

	rec := usage.NewTracker(s).GetUsage("gpt-4o-mini")
	if rec.Count != 4 {
		t.Fatalf("expected count 4 after reopen, got %d", rec.Count)
	}
	if rec.PeriodKey != usage.PeriodKey(time.Now().UTC()) {
		t.Errorf("unexpected period %q", rec.PeriodKey)
	}
}

// === Request Log Tests ===

func TestSaveAndQueryLog(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Second)
	log := &model.RequestLog{
		ID:               "log-1",
		RequestID:        "req-1",
		Timestamp:        now,
		Operation:        model.OpGenerate,
		Model:            "gpt-4o-mini",
		CharacterID:      "npc-1",
		Success:          true,
		StatusCode:       200,
		LatencyMs:        150,
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		ClientKey:        "203.0.113.7",
		OverLimit:        true,
	}

	if err := s.SaveLog(log); err != nil {
		t.Fatalf("SaveLog failed: %v", err)
	}

	logs, err := s.QueryLogs(&model.LogQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}

	got := logs[0]
	if got.Operation != model.OpGenerate {
		t.Errorf("expected operation generate, got %s", got.Operation)
	}
	if got.CharacterID != "npc-1" {
		t.Errorf("expected character npc-1, got %s", got.CharacterID)
	}
	if !got.OverLimit {
		t.Error("expected OverLimit=true")
	}
	if got.ClientKey != "203.0.113.7" {
		t.Errorf("unexpected client key %q", got.ClientKey)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %v, got %v", now, got.Timestamp)
	}
}

func TestQueryLogs_Filters(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveLog(&model.RequestLog{ID: "l1", Timestamp: time.Now(), Operation: model.OpGenerate, Model: "gpt-4o", Success: true, ClientKey: "a"})
	s.SaveLog(&model.RequestLog{ID: "l2", Timestamp: time.Now(), Operation: model.OpChat, Model: "gpt-4o", Success: false, ClientKey: "b", OverLimit: true})
	s.SaveLog(&model.RequestLog{ID: "l3", Timestamp: time.Now(), Operation: model.OpGenerate, Model: "gpt-4o-mini", Success: true, ClientKey: "a"})

	yes := true
	tests := []struct {
		name  string
		query model.LogQuery
		want  int
	}{
		{"operation", model.LogQuery{Operation: "generate"}, 2},
		{"model", model.LogQuery{Model: "gpt-4o"}, 2},
		{"client", model.LogQuery{ClientKey: "a"}, 2},
		{"success", model.LogQuery{Success: &yes}, 2},
		{"over limit", model.LogQuery{OverLimit: &yes}, 1},
		{"combined", model.LogQuery{Operation: "generate", Model: "gpt-4o"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := s.QueryLogs(&tt.query)
			if err != nil {
				t.Fatalf("QueryLogs failed: %v", err)
			}
			if len(logs) != tt.want {
				t.Errorf("expected %d logs, got %d", tt.want, len(logs))
			}
		})
	}
}

func TestQueryLogs_Pagination(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		s.SaveLog(&model.RequestLog{
			ID:        "log-" + string(rune('A'+i)),
			Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
			Model:     "gpt-4o",
		})
	}

	logs, _ := s.QueryLogs(&model.LogQuery{Limit: 3, Offset: 0})
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].ID != "log-J" {
		t.Errorf("expected newest log first, got %s", logs[0].ID)
	}

	logs, _ = s.QueryLogs(&model.LogQuery{Limit: 3, Offset: 9})
	if len(logs) != 1 {
		t.Errorf("expected 1 log on last page, got %d", len(logs))
	}
}

func TestGetDailyStats(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	now := time.Now().UTC()
	s.SaveLog(&model.RequestLog{ID: "l1", Timestamp: now, Operation: model.OpGenerate, Success: true, TotalTokens: 100, LatencyMs: 100})
	s.SaveLog(&model.RequestLog{ID: "l2", Timestamp: now, Operation: model.OpGenerate, Success: false, LatencyMs: 300, OverLimit: true})

	stats, err := s.GetDailyStats(7)
	if err != nil {
		t.Fatalf("GetDailyStats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 day, got %d", len(stats))
	}
	day := stats[0]
	if day.Date != now.Format("2006-01-02") {
		t.Errorf("unexpected date %s", day.Date)
	}
	if day.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", day.TotalRequests)
	}
	if day.SuccessRate != 50 {
		t.Errorf("expected 50%% success, got %v", day.SuccessRate)
	}
	if day.TotalTokens != 100 {
		t.Errorf("expected 100 tokens, got %d", day.TotalTokens)
	}
	if day.AvgLatency != 200 {
		t.Errorf("expected avg latency 200, got %v", day.AvgLatency)
	}
	if day.OverLimit != 1 {
		t.Errorf("expected 1 over-limit request, got %d", day.OverLimit)
	}
}

func TestGetOperationStats(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	now := time.Now().UTC()
	s.SaveLog(&model.RequestLog{ID: "l1", Timestamp: now, Operation: model.OpGenerate, Success: true})
	s.SaveLog(&model.RequestLog{ID: "l2", Timestamp: now, Operation: model.OpGenerate, Success: true})
	s.SaveLog(&model.RequestLog{ID: "l3", Timestamp: now, Operation: model.OpChat, Success: true})

	stats, err := s.GetOperationStats(1)
	if err != nil {
		t.Fatalf("GetOperationStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(stats))
	}
	if stats[0].Operation != model.OpGenerate || stats[0].RequestCount != 2 {
		t.Errorf("expected generate x2 first, got %s x%d", stats[0].Operation, stats[0].RequestCount)
	}
}

// === CleanOldLogs ===

func TestCleanOldLogs(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveLog(&model.RequestLog{ID: "old-log", Timestamp: time.Now().AddDate(0, 0, -10), Model: "gpt-4o"})
	s.SaveLog(&model.RequestLog{ID: "new-log", Timestamp: time.Now(), Model: "gpt-4o"})

	deleted, err := s.CleanOldLogs(7)
	if err != nil {
		t.Fatalf("CleanOldLogs failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted log, got %d", deleted)
	}

	logs, _ := s.QueryLogs(&model.LogQuery{})
	if len(logs) != 1 || logs[0].ID != "new-log" {
		t.Errorf("expected only new-log to remain, got %v", logs)
	}
}
