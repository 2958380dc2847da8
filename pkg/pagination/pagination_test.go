package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func params(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantCount  int
		wantOffset int
	}{
		{"defaults", "/", DefaultCount, 0},
		{"explicit", "/?_count=20&_offset=40", 20, 40},
		{"clamped to max", "/?_count=9999", MaxCount, 0},
		{"negative ignored", "/?_count=-5&_offset=-10", DefaultCount, 0},
		{"garbage ignored", "/?_count=abc&_offset=xyz", DefaultCount, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params(t, tt.target)
			if p.Count != tt.wantCount || p.Offset != tt.wantOffset {
				t.Fatalf("got count=%d offset=%d, want count=%d offset=%d",
					p.Count, p.Offset, tt.wantCount, tt.wantOffset)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name   string
		p      Params
		total  int
		wantLo int
		wantHi int
	}{
		{"first page", Params{Count: 10, Offset: 0}, 25, 0, 10},
		{"middle page", Params{Count: 10, Offset: 10}, 25, 10, 20},
		{"short last page", Params{Count: 10, Offset: 20}, 25, 20, 25},
		{"past the end", Params{Count: 10, Offset: 40}, 25, 25, 25},
		{"empty set", Params{Count: 10, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := tt.p.Window(tt.total)
			if lo != tt.wantLo || hi != tt.wantHi {
				t.Fatalf("window = [%d, %d), want [%d, %d)", lo, hi, tt.wantLo, tt.wantHi)
			}
		})
	}
}

func TestLinks(t *testing.T) {
	p := Params{Count: 10, Offset: 10}
	links := p.Links("/default/Patient", 25)

	byRel := make(map[string]string, len(links))
	for _, l := range links {
		byRel[l.Relation] = l.URL
	}
	if byRel["self"] != "/default/Patient?_offset=10&_count=10" {
		t.Errorf("self = %q", byRel["self"])
	}
	if byRel["next"] != "/default/Patient?_offset=20&_count=10" {
		t.Errorf("next = %q", byRel["next"])
	}
	if byRel["previous"] != "/default/Patient?_offset=0&_count=10" {
		t.Errorf("previous = %q", byRel["previous"])
	}
}

func TestLinksAtBounds(t *testing.T) {
	first := Params{Count: 10, Offset: 0}.Links("/t/Encounter", 5)
	if len(first) != 1 || first[0].Relation != "self" {
		t.Fatalf("single-page links = %v", first)
	}

	last := Params{Count: 10, Offset: 20}.Links("/t/Encounter", 25)
	for _, l := range last {
		if l.Relation == "next" {
			t.Fatalf("last page has a next link: %v", last)
		}
	}
}
