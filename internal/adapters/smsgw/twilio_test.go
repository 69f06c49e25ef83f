package smsgw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"trafficwatch/internal/notify"
	logx "trafficwatch/pkg/logx"
)

func TestMaskPhone(t *testing.T) {
	cases := []struct{ in, want string }{
		{"+15551234567", "+*******4567"},
		{"1234", "1234"},
		{"", ""},
		{"+1 (555) 123-4567", "+* (***) ***-4567"},
	}
	for _, tc := range cases {
		if got := MaskPhone(tc.in); got != tc.want {
			t.Fatalf("MaskPhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanSendRequiresFullConfig(t *testing.T) {
	full := Config{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000"}
	if !New(full, logx.Nop()).CanSend() {
		t.Fatal("fully configured channel must report CanSend")
	}
	for _, cfg := range []Config{
		{AuthToken: "tok", FromNumber: "+15550000000"},
		{AccountSID: "AC1", FromNumber: "+15550000000"},
		{AccountSID: "AC1", AuthToken: "tok"},
	} {
		if New(cfg, logx.Nop()).CanSend() {
			t.Fatalf("partial config must not report CanSend: %+v", cfg)
		}
	}
}

func TestSendPostsForm(t *testing.T) {
	var gotBody, gotTo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotBody = r.PostForm.Get("Body")
		gotTo = r.PostForm.Get("To")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	ch := New(Config{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", Endpoint: srv.URL}, logx.Nop())
	res := ch.Send(context.Background(), notify.Delivery{
		RouteID:   "R-1",
		Message:   "running late",
		Recipient: "+15551234567",
	})
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if gotTo != "+15551234567" {
		t.Fatalf("To = %q", gotTo)
	}
	if gotBody != "Delivery Update (R-1): running late" {
		t.Fatalf("Body = %q", gotBody)
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Authentication Error"}`))
	}))
	defer srv.Close()

	ch := New(Config{AccountSID: "AC1", AuthToken: "bad", FromNumber: "+15550000000", Endpoint: srv.URL}, logx.Nop())
	res := ch.Send(context.Background(), notify.Delivery{RouteID: "R-1", Message: "m", Recipient: "+15551234567"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Fatal("expected error description")
	}
}
