package directory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func tokenRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/token", HandleToken)
	return r
}

func TestHandleTokenIssuesToken(t *testing.T) {
	r := tokenRouter()

	body := `{"roomName":"g1","participantName":"guard-a","role":"speaker"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}
	if !strings.HasPrefix(resp.Token, "dev.speaker.g1.") {
		t.Fatalf("unexpected token shape %q", resp.Token)
	}
}

func TestHandleTokenRejectsBadRequests(t *testing.T) {
	r := tokenRouter()

	cases := []struct {
		name string
		body string
	}{
		{"missing room", `{"participantName":"a","role":"speaker"}`},
		{"missing participant", `{"roomName":"g1","role":"listener"}`},
		{"unknown role", `{"roomName":"g1","participantName":"a","role":"admin"}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/token", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}
