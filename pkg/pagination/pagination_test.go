package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target string
		want   Params
	}{
		{"/api/v1/review-queue", Params{Limit: DefaultLimit}},
		{"/api/v1/review-queue?kind=conflict_review&limit=5&offset=15", Params{Limit: 5, Offset: 15}},
		{"/api/v1/patients/p1/transactions?limit=1000", Params{Limit: MaxLimit}},
		{"/api/v1/patients/p1/transactions?limit=0&offset=-40", Params{Limit: DefaultLimit}},
		{"/api/v1/patients/p1/provenance?limit=ten&offset=two", Params{Limit: DefaultLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if got := paramsFor(t, tt.target); got != tt.want {
				t.Errorf("FromContext(%s) = %+v, want %+v", tt.target, got, tt.want)
			}
		})
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	deliveries := []string{"d1", "d2", "d3", "d4"}
	tests := []struct {
		name                 string
		total, limit, offset int
		want                 bool
	}{
		{"first of several pages", 9, 4, 0, true},
		{"page ends at total", 8, 4, 4, false},
		{"offset beyond total", 3, 4, 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponse(deliveries, tt.total, tt.limit, tt.offset)
			if r.HasMore != tt.want {
				t.Errorf("HasMore = %v, want %v", r.HasMore, tt.want)
			}
			if r.Total != tt.total || r.Limit != tt.limit || r.Offset != tt.offset {
				t.Errorf("unexpected envelope %+v", r)
			}
			if r.Links != nil {
				t.Errorf("expected no links until requested, got %+v", r.Links)
			}
		})
	}
}

func TestParams_Offsets(t *testing.T) {
	tests := []struct {
		p          Params
		next, prev int
		hasPrev    bool
	}{
		{Params{Limit: 20}, 20, 0, false},
		{Params{Limit: 20, Offset: 7}, 27, 0, true},
		{Params{Limit: 20, Offset: 60}, 80, 40, true},
	}
	for _, tt := range tests {
		if got := tt.p.NextOffset(); got != tt.next {
			t.Errorf("%+v NextOffset() = %d, want %d", tt.p, got, tt.next)
		}
		if got := tt.p.PreviousOffset(); got != tt.prev {
			t.Errorf("%+v PreviousOffset() = %d, want %d", tt.p, got, tt.prev)
		}
		if got := tt.p.HasPrevious(); got != tt.hasPrev {
			t.Errorf("%+v HasPrevious() = %v, want %v", tt.p, got, tt.hasPrev)
		}
	}
}

func TestParams_Links(t *testing.T) {
	const history = "/api/v1/patients/p1/transactions"
	tests := []struct {
		name  string
		p     Params
		total int
		want  []Link
	}{
		{"empty history", Params{Limit: 5}, 0, []Link{
			{"self", history + "?offset=0&limit=5"},
		}},
		{"first page", Params{Limit: 5}, 12, []Link{
			{"self", history + "?offset=0&limit=5"},
			{"next", history + "?offset=5&limit=5"},
		}},
		{"middle page", Params{Limit: 5, Offset: 5}, 12, []Link{
			{"self", history + "?offset=5&limit=5"},
			{"next", history + "?offset=10&limit=5"},
			{"previous", history + "?offset=0&limit=5"},
		}},
		{"short last page", Params{Limit: 5, Offset: 10}, 12, []Link{
			{"self", history + "?offset=10&limit=5"},
			{"previous", history + "?offset=5&limit=5"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.p.Links(history, tt.total)
			if len(got) != len(tt.want) {
				t.Fatalf("Links() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("link %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResponse_WithLinksFromRequest(t *testing.T) {
	p := paramsFor(t, "/api/v1/review-queue?limit=10&offset=10")
	r := NewResponse([]string{"n11"}, 25, p.Limit, p.Offset).WithLinks("/api/v1/review-queue", p)
	if len(r.Links) != 3 || r.Links[1].URL != "/api/v1/review-queue?offset=20&limit=10" {
		t.Errorf("unexpected links %+v", r.Links)
	}
}
