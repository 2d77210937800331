package progress

import "testing"

func TestParseSizePatterns(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		rule       string
		downloaded int64
		total      int64
		progress   float64
	}{
		{name: "bracketed summary", line: "[#a1b2c3 1MiB/4MiB(25%) CN:16 DL:1.2MiB ETA:5m10s]", rule: "plain", downloaded: 1 << 20, total: 4 << 20, progress: 0.25},
		{name: "memory prefix", line: "[MEMORY][#a1b2c3 2MiB/8MiB(25%)]", rule: "plain", downloaded: 2 << 20, total: 8 << 20, progress: 0.25},
		{name: "size label", line: "#1 SIZE:512KiB/1MiB(50%) CN:16 SPD:1.2MiBx8", rule: "size-label", downloaded: 512 << 10, total: 1 << 20, progress: 0.5},
		{name: "pipe", line: "FILE: x | 3GiB/6GiB (50%)", rule: "pipe", downloaded: 3 << 30, total: 6 << 30, progress: 0.5},
		{name: "just started", line: "[#1 16KiB/1GiB(0%)]", rule: "plain", downloaded: 16 << 10, total: 1 << 30, progress: 0},
		{name: "complete", line: "[#1 10MiB/10MiB(100%)]", rule: "plain", downloaded: 10 << 20, total: 10 << 20, progress: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fired := parse(tt.line)
			if !s.HasSize {
				t.Fatalf("expected size info in %q", tt.line)
			}
			if fired["size"] != tt.rule {
				t.Errorf("size rule = %q, want %q", fired["size"], tt.rule)
			}
			if s.Downloaded != tt.downloaded || s.Total != tt.total {
				t.Errorf("sizes = %d/%d, want %d/%d", s.Downloaded, s.Total, tt.downloaded, tt.total)
			}
			if s.Progress != tt.progress {
				t.Errorf("progress = %v, want %v", s.Progress, tt.progress)
			}
		})
	}
}

func TestParseOptionalFields(t *testing.T) {
	s := Parse("[#a1b2c3 1MiB/4MiB(25%) CN:16 DL:2MiB ETA:5m10s]")
	if s.Speed != 2<<20 {
		t.Errorf("speed = %v", s.Speed)
	}
	if s.ETA != "5m10s" {
		t.Errorf("eta = %q", s.ETA)
	}
	if s.Connections != 16 {
		t.Errorf("connections = %d", s.Connections)
	}
}

func TestParseSpeedVariants(t *testing.T) {
	tests := []struct {
		line string
		rule string
		want float64
	}{
		{line: "DL:1MiB", rule: "dl-colon", want: 1 << 20},
		{line: "#1 SPD:512KiBx8", rule: "spd", want: 512 << 10},
		{line: "[DL:2KiB]", rule: "dl-bracket", want: 2 << 10},
		{line: "DL=3MiB ETA=1m", rule: "dl-equals", want: 3 << 20},
	}
	for _, tt := range tests {
		s, fired := parse(tt.line)
		if s.Speed != tt.want {
			t.Errorf("Parse(%q).Speed = %v, want %v", tt.line, s.Speed, tt.want)
		}
		if fired["speed"] != tt.rule {
			t.Errorf("Parse(%q) speed rule = %q, want %q", tt.line, fired["speed"], tt.rule)
		}
	}
}

func TestParseETAVariants(t *testing.T) {
	tests := []struct {
		line string
		rule string
		want string
	}{
		{line: "ETA:1h2m3s", rule: "eta-colon", want: "1h2m3s"},
		{line: "ETA=45s", rule: "eta-equals", want: "45s"},
		{line: "eta:10m", rule: "eta-lower", want: "10m"},
		{line: "[ETA:2m30s]", rule: "eta-bracket", want: "2m30s"},
		{line: "ETA:unknown", want: ""},
		{line: "nothing here", want: ""},
	}
	for _, tt := range tests {
		s, fired := parse(tt.line)
		if s.ETA != tt.want {
			t.Errorf("Parse(%q).ETA = %q, want %q", tt.line, s.ETA, tt.want)
		}
		if fired["eta"] != tt.rule {
			t.Errorf("Parse(%q) eta rule = %q, want %q", tt.line, fired["eta"], tt.rule)
		}
	}
}

func TestEveryRuleReachable(t *testing.T) {
	lines := []string{
		"[#1 1MiB/2MiB(50%) CN:4 DL:1MiB ETA:1m UL:1KiB Seed(1) Peer(2/3)]",
		"#1 SIZE:1MiB/2MiB(50%) SPD:1MiB",
		"x | 1MiB/2MiB(50%) [DL:1MiB] [ETA:1m]",
		"DL=1MiB ETA=1m SD:4",
		"eta:2m",
	}
	seen := make(map[string]bool)
	for _, line := range lines {
		_, fired := parse(line)
		for cat, rule := range fired {
			seen[cat+"/"+rule] = true
		}
	}
	for _, cat := range categories {
		for _, r := range cat.rules {
			if !seen[cat.name+"/"+r.name] {
				t.Errorf("rule %s/%s never fired", cat.name, r.name)
			}
		}
	}
}

func TestParseTorrentCounts(t *testing.T) {
	s := Parse("[#1 1MiB/2MiB(50%) CN:44 Seed(7) Peer(12/40) DL:1MiB UL:256KiB]")
	if s.Seeds != 7 || s.Peers != 12 {
		t.Errorf("seeds/peers = %d/%d", s.Seeds, s.Peers)
	}
	if s.UploadSpeed != 256<<10 {
		t.Errorf("upload = %v", s.UploadSpeed)
	}
	if got := Parse("[#1 CN:3 SD:5 DL:0B]").Seeds; got != 5 {
		t.Errorf("SD seeds = %d", got)
	}
}

func TestParseSizeSpanNotReusedAsSpeed(t *testing.T) {
	s := Parse("DL:1MiB/2MiB(50%)")
	if !s.HasSize || s.Downloaded != 1<<20 {
		t.Fatalf("size not parsed: %+v", s)
	}
	if s.Speed != 0 {
		t.Errorf("speed = %v, want 0 when the only DL token belongs to the size pattern", s.Speed)
	}
}

func TestParseUnrecognised(t *testing.T) {
	for _, line := range []string{"", "Download Results:", "gid   |stat|avg speed  |path/URI", "(OK):download completed."} {
		if s := Parse(line); !s.Empty() {
			t.Errorf("Parse(%q) = %+v, want empty", line, s)
		}
	}
}

func TestMergeEmptyIsNoop(t *testing.T) {
	prev := Sample{Downloaded: 40, Total: 100, Progress: 0.4, HasSize: true, Speed: 12, ETA: "5s", Connections: 4, Seeds: 1, Peers: 2, UploadSpeed: 3}
	if got := Merge(prev, Sample{}); got != prev {
		t.Errorf("Merge with empty sample changed state: %+v", got)
	}
	if got := Merge(prev, Sample{ETA: NoETA}); got.ETA != "5s" {
		t.Errorf("placeholder ETA overwrote known value: %q", got.ETA)
	}
}

func TestMergeOverwritesPresentFields(t *testing.T) {
	prev := Sample{Downloaded: 40, Total: 100, Progress: 0.4, HasSize: true, Speed: 12}
	got := Merge(prev, Parse("[#1 60B/100B(60%) DL:20B]"))
	if got.Downloaded != 60 || got.Progress != 0.6 || got.Speed != 20 {
		t.Errorf("merged = %+v", got)
	}
	if got.Total != 100 {
		t.Errorf("total = %d", got.Total)
	}
}

func TestMergeClampsDownloaded(t *testing.T) {
	got := Merge(Sample{Total: 100, HasSize: true}, Sample{Downloaded: 150, HasSize: true})
	if got.Downloaded != 100 {
		t.Errorf("downloaded = %d, want clamp to 100", got.Downloaded)
	}
}
