package feed

import (
	"strings"
	"testing"
)

func TestCleanerCleanTitle(t *testing.T) {
	cleaner := NewCleaner()

	tests := []struct {
		input    string
		expected string
	}{
		{"Software Engineer (m/w/d)", "Software Engineer"},
		{"Pflegefachkraft (w/m/d) in Vollzeit", "Pflegefachkraft in Vollzeit"},
		{"Data Analyst (f/m/x)", "Data Analyst"},
		{"Sales Manager (all genders)", "Sales Manager"},
		{"Koch [m/w]", "Koch"},
		{"Lagerist m/w/d", "Lagerist"},
		{"🚀 Growth Hacker 🚀", "Growth Hacker"},
		{"  Plain   Title  ", "Plain Title"},
		{"<b>Bold</b> Title", "Bold Title"},
		{"Nurse (RN)", "Nurse (RN)"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := cleaner.CleanTitle(tt.input)
			if got != tt.expected {
				t.Errorf("CleanTitle(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCleanerCleanHTML(t *testing.T) {
	cleaner := NewCleaner()

	input := `<div style="color:red" onclick="steal()"><p class="x">We offer <a href="https://acme.example" onmouseover="x()">benefits</a> ✅</p>` +
		`<script>alert(1)</script><style>p{}</style><iframe src="https://ads.example"></iframe>` +
		`<form action="/apply"><input name="q"></form></div>`

	got := cleaner.CleanHTML(input)

	for _, banned := range []string{"<script", "alert(1)", "<style", "<iframe", "<form", "style=", "onclick", "onmouseover", "class=", "✅"} {
		if strings.Contains(got, banned) {
			t.Errorf("Expected %q to be stripped, got %s", banned, got)
		}
	}

	for _, kept := range []string{`<a href="https://acme.example">benefits</a>`, "We offer", "<p>"} {
		if !strings.Contains(got, kept) {
			t.Errorf("Expected %q to survive, got %s", kept, got)
		}
	}
}

func TestCleanerCleanHTMLPlainText(t *testing.T) {
	cleaner := NewCleaner()

	got := cleaner.CleanHTML("Great team\n\n  and 🎉 culture")
	if got != "Great team and culture" {
		t.Errorf("Unexpected plain text result: %q", got)
	}
}
