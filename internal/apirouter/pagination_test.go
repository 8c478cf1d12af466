package apirouter

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestParseQueryArray(t *testing.T) {
	tests := []struct {
		name  string
		query url.Values
		want  []string
	}{
		{
			name:  "missing param returns nil",
			query: url.Values{},
			want:  nil,
		},
		{
			name:  "single value",
			query: url.Values{"status": {"FAILED"}},
			want:  []string{"FAILED"},
		},
		{
			name:  "repeated params",
			query: url.Values{"status": {"FAILED", "SENT"}},
			want:  []string{"FAILED", "SENT"},
		},
		{
			name:  "comma separated",
			query: url.Values{"status": {"FAILED,SENT"}},
			want:  []string{"FAILED", "SENT"},
		},
		{
			name:  "repeated and comma separated combined",
			query: url.Values{"status": {"FAILED,SENT", "RETRYING"}},
			want:  []string{"FAILED", "SENT", "RETRYING"},
		},
		{
			name:  "whitespace trimmed and empty parts dropped",
			query: url.Values{"status": {"FAILED, , SENT"}},
			want:  []string{"FAILED", "SENT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := queryContext(tt.query)
			assert.Equal(t, tt.want, parseQueryArray(c, "status"))
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		name       string
		queryLimit string
		want       int
	}{
		{
			name:       "empty returns default",
			queryLimit: "",
			want:       100,
		},
		{
			name:       "valid value returns value",
			queryLimit: "25",
			want:       25,
		},
		{
			name:       "above max is capped",
			queryLimit: "5000",
			want:       1000,
		},
		{
			name:       "zero returns default",
			queryLimit: "0",
			want:       100,
		},
		{
			name:       "negative returns default",
			queryLimit: "-5",
			want:       100,
		},
		{
			name:       "non-numeric returns default",
			queryLimit: "many",
			want:       100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := queryContext(url.Values{"limit": {tt.queryLimit}})
			assert.Equal(t, tt.want, parseLimit(c, 100, 1000))
		})
	}
}

func TestParseSortOrder(t *testing.T) {
	tests := []struct {
		name        string
		queryOrder  string
		wantOrder   string
		wantErrCode int
	}{
		{
			name:       "empty defaults to desc",
			queryOrder: "",
			wantOrder:  "desc",
		},
		{
			name:       "asc is valid",
			queryOrder: "asc",
			wantOrder:  "asc",
		},
		{
			name:       "desc is valid",
			queryOrder: "desc",
			wantOrder:  "desc",
		},
		{
			name:        "unknown direction is rejected",
			queryOrder:  "sideways",
			wantErrCode: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := queryContext(url.Values{"sort_order": {tt.queryOrder}})

			order, errResp := parseSortOrder(c)

			if tt.wantErrCode != 0 {
				require.NotNil(t, errResp)
				assert.Equal(t, tt.wantErrCode, errResp.Code)
			} else {
				assert.Nil(t, errResp)
				assert.Equal(t, tt.wantOrder, order)
			}
		})
	}
}

func TestParseTimeFilter(t *testing.T) {
	tests := []struct {
		name        string
		query url.Values
		wantGTE     *time.Time
		wantLTE     *time.Time
		wantErrCode int
		wantField   string
	}{
		{
			name:        "no params returns empty filter",
			query: url.Values{},
			wantGTE:     nil,
			wantLTE:     nil,
		},
		{
			name:        "RFC3339 start param",
			query: url.Values{"start": {"2026-01-15T10:30:00Z"}},
			wantGTE:     ptr(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)),
			wantLTE:     nil,
		},
		{
			name:        "RFC3339 end param",
			query: url.Values{"end": {"2026-01-31T23:59:59Z"}},
			wantGTE:     nil,
			wantLTE:     ptr(time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)),
		},
		{
			name: "both start and end params",
			query: url.Values{
				"start": {"2026-01-01T00:00:00Z"},
				"end":   {"2026-01-31T23:59:59Z"},
			},
			wantGTE: ptr(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			wantLTE: ptr(time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)),
		},
		{
			name:        "invalid start format returns error",
			query: url.Values{"start": {"not-a-date"}},
			wantErrCode: http.StatusUnprocessableEntity,
			wantField:   "query.start",
		},
		{
			name:        "invalid end format returns error",
			query: url.Values{"end": {"yesterday"}},
			wantErrCode: http.StatusUnprocessableEntity,
			wantField:   "query.end",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := queryContext(tt.query)

			filter, errResp := parseTimeFilter(c)

			if tt.wantErrCode != 0 {
				require.NotNil(t, errResp)
				assert.Equal(t, tt.wantErrCode, errResp.Code)
				data, ok := errResp.Data.(map[string]string)
				require.True(t, ok)
				assert.Contains(t, data, tt.wantField)
				return
			}

			require.Nil(t, errResp)
			if tt.wantGTE != nil {
				require.NotNil(t, filter.GTE)
				assert.True(t, tt.wantGTE.Equal(*filter.GTE), "GTE mismatch: want %v, got %v", tt.wantGTE, filter.GTE)
			} else {
				assert.Nil(t, filter.GTE)
			}
			if tt.wantLTE != nil {
				require.NotNil(t, filter.LTE)
				assert.True(t, tt.wantLTE.Equal(*filter.LTE), "LTE mismatch: want %v, got %v", tt.wantLTE, filter.LTE)
			} else {
				assert.Nil(t, filter.LTE)
			}
		})
	}
}

func queryContext(query url.Values) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/?"+query.Encode(), nil)
	return c, w
}

func ptr[T any](v T) *T {
	return &v
}
