package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter_PlainFallbacks(t *testing.T) {
	var out, errw bytes.Buffer
	p := NewPrinterTo(&out, &errw, false)

	p.Success("同步完成")
	p.Warning("部分订阅延迟")
	p.Error("抓取失败")

	if !strings.Contains(out.String(), "[OK] 同步完成") {
		t.Fatalf("stdout = %q, want [OK] prefix", out.String())
	}
	if !strings.Contains(errw.String(), "[WARN] 部分订阅延迟") {
		t.Fatalf("stderr = %q, want [WARN] prefix", errw.String())
	}
	if !strings.Contains(errw.String(), "[ERROR] 抓取失败") {
		t.Fatalf("stderr = %q, want [ERROR] prefix", errw.String())
	}
}

func TestStatusBadge_NoColorsReturnsRaw(t *testing.T) {
	p := NewPrinterTo(&bytes.Buffer{}, &bytes.Buffer{}, false)
	for _, status := range []string{"SUCCESS", "DELAYED", "FAILED", "whatever"} {
		if got := p.StatusBadge(status); got != status {
			t.Fatalf("badge(%s) = %q, want unchanged", status, got)
		}
	}
}

func TestColorsEnabled_Overrides(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ColorsEnabled() {
		t.Fatal("NO_COLOR must disable colors")
	}
}

func TestTable_RendersHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, []string{"id", "name"})
	tbl.AddRow([]string{"1", "技术日报"})
	tbl.AddRow([]string{"2", "产品观察"})
	tbl.Render()

	text := buf.String()
	for _, want := range []string{"ID", "NAME", "技术日报", "产品观察"} {
		if !strings.Contains(text, want) {
			t.Fatalf("rendered table missing %q:\n%s", want, text)
		}
	}
}
