package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/openmetron/metron/internal/cluster"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
)

func newTestEngine() (*gin.Engine, *Server) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	return r, &Server{engine: r}
}

func TestAccountRequired(t *testing.T) {
	r, s := newTestEngine()
	r.GET("/probe", s.AccountRequired(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"account": accountID(c)})
	})

	cases := []struct {
		name    string
		header  string
		status  int
		account string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"spaces", "bad account", http.StatusUnauthorized, ""},
		{"too long", strings.Repeat("a", 65), http.StatusUnauthorized, ""},
		{"valid", "acct_1-A", http.StatusOK, "acct_1-A"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		if tc.header != "" {
			req.Header.Set(accountHeader, tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, w.Code)
		}
		if tc.status == http.StatusOK {
			var body struct {
				Account string `json:"account"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("%s: decode: %v", tc.name, err)
			}
			if body.Account != tc.account {
				t.Fatalf("%s: expected account %q, got %q", tc.name, tc.account, body.Account)
			}
		}
	}
}

func TestErrorMiddlewareMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{subscriptiondomain.ErrNoSubscription, http.StatusForbidden, "no_subscription"},
		{subscriptiondomain.ErrTooManyFunctions, http.StatusForbidden, "function_limit_reached"},
		{subscriptiondomain.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed"},
		{functiondomain.ErrNotFound, http.StatusNotFound, "function_not_found"},
		{functiondomain.ErrInvalidImage, http.StatusBadRequest, "invalid_request"},
		{cluster.ErrClusterUnreachable, http.StatusServiceUnavailable, "cluster_unreachable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		r, _ := newTestEngine()
		r.GET("/fail", func(c *gin.Context) {
			AbortWithError(c, tc.err)
		})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

		if w.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, w.Code)
		}
		var body errorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%v: decode: %v", tc.err, err)
		}
		if body.Error.Type != tc.kind {
			t.Fatalf("%v: expected type %q, got %q", tc.err, tc.kind, body.Error.Type)
		}
	}
}

func TestErrorMiddlewareLeavesWrittenResponses(t *testing.T) {
	r, _ := newTestEngine()
	r.GET("/written", func(c *gin.Context) {
		c.JSON(http.StatusTeapot, gin.H{"ok": false})
		_ = c.Error(errors.New("late error"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/written", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected handler response kept, got %d", w.Code)
	}
}
