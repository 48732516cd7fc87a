package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUpsertEnvFile_PreservesLinesAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	original := "# operator notes\nWXAGENT_DB_URL=sqlite:///data/wechat_agent.db\n\nWXAGENT_MAX_CONCURRENCY=5\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	updates := map[string]string{
		"WXAGENT_MAX_CONCURRENCY": "3",
		"WXAGENT_OPENAI_API_KEY":  "sk-test-123456",
	}
	if err := UpsertEnvFile(path, updates); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := "# operator notes\nWXAGENT_DB_URL=sqlite:///data/wechat_agent.db\n\nWXAGENT_MAX_CONCURRENCY=3\n\n" +
		appendHeader + "\nWXAGENT_OPENAI_API_KEY=sk-test-123456\n"
	if string(data) != want {
		t.Fatalf("file content mismatch:\ngot:\n%q\nwant:\n%q", string(data), want)
	}
}

func TestUpsertEnvFile_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	updates := map[string]string{
		"WXAGENT_AI_PROVIDER":      "deepseek",
		"WXAGENT_DEEPSEEK_API_KEY": "sk-deadbeef",
	}

	if err := UpsertEnvFile(path, updates); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := UpsertEnvFile(path, updates); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("upsert not idempotent:\nfirst:\n%q\nsecond:\n%q", string(first), string(second))
	}
}

func TestUpsertEnvFile_QuotesValuesWithSpecials(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := UpsertEnvFile(path, map[string]string{"WXAGENT_DB_URL": "sqlite:///My Data/agent.db"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	values, err := ReadEnvFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := values["WXAGENT_DB_URL"]; got != "sqlite:///My Data/agent.db" {
		t.Fatalf("round-trip value = %q, want original with space", got)
	}

	raw, _ := os.ReadFile(path)
	if want := `WXAGENT_DB_URL="sqlite:///My Data/agent.db"`; !containsLine(string(raw), want) {
		t.Fatalf("expected quoted line %q in:\n%s", want, raw)
	}
}

func TestReadEnvFile_ParsesQuotesAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nA=plain\nB=\"quoted value\"\nC='single'\n\nnot-a-pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	values, err := ReadEnvFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	assertEqual(t, "A", values["A"], "plain")
	assertEqual(t, "B", values["B"], "quoted value")
	assertEqual(t, "C", values["C"], "single")
	assertEqual(t, "len", len(values), 3)
}

func TestReadEnvFile_Missing(t *testing.T) {
	values, err := ReadEnvFile(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected empty map, got %v", values)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "********"},
		{"12345678", "********"},
		{"sk-abcdef123456", "sk-a...3456"},
	}
	for _, tc := range cases {
		if got := MaskSecret(tc.in); got != tc.want {
			t.Errorf("MaskSecret(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func containsLine(content, line string) bool {
	for _, l := range splitLines(content) {
		if l == line {
			return true
		}
	}
	return false
}

func splitLines(content string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			lines = append(lines, content[start:i])
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, content[start:])
	}
	return lines
}
