package kizeo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestUnreadDataRequestShape(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok","data":[{"_id":"record-001","_update_time":"2026-02-28 10:00:00"}]}`))
	})

	list, err := c.UnreadData(context.Background(), "123", "etl", 100)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if gotPath != "/forms/123/data/unread/etl/100?includeupdated" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "test-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if len(list.Records) != 1 || list.Records[0].ID != "record-001" {
		t.Fatalf("records = %+v", list.Records)
	}
	if list.Records[0].UpdateTime != "2026-02-28 10:00:00" {
		t.Fatalf("update time = %q", list.Records[0].UpdateTime)
	}
}

func TestUnreadDataDefaultLimit(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"data":[]}`))
	})
	if _, err := c.UnreadData(context.Background(), "123", "etl", 0); err != nil {
		t.Fatalf("unread: %v", err)
	}
	if gotPath != "/forms/123/data/unread/etl/100" {
		t.Fatalf("path = %q, zero limit must use the default", gotPath)
	}
}

func TestDecodeDataListMalformed(t *testing.T) {
	for _, body := range []string{
		`{"status":"ok"}`,
		`{"data":"pas un tableau"}`,
		`{"data":{"oops":1}}`,
		`spilled html`,
	} {
		if _, err := decodeDataList([]byte(body)); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("body %q: err = %v, want ErrMalformedPayload", body, err)
		}
	}
}

func TestRecordDetailDecoding(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{
			"_id": "record-001",
			"form_unique_id": "u-1",
			"user_name": "a.martin",
			"answer_time": "2026-02-28 09:30:00",
			"fields": {"temp": {"type": "number", "value": "18,5"}}
		}}`))
	})

	rec, err := c.RecordDetail(context.Background(), "123", "record-001")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if rec.ID != "record-001" || rec.FormUniqueID != "u-1" || rec.UserName != "a.martin" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.FormID != "123" {
		t.Fatalf("form id fallback = %q", rec.FormID)
	}
	if f, ok := rec.Fields["temp"]; !ok || f.Type != "number" {
		t.Fatalf("fields = %+v", rec.Fields)
	}
	if len(rec.Raw) == 0 {
		t.Fatalf("raw payload not captured")
	}
}

func TestMarkAsReadBody(t *testing.T) {
	var gotPath string
	var gotBody map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if err := c.MarkAsRead(context.Background(), "123", "etl", []string{"a", "b"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if gotPath != "/forms/123/markasreadbyaction/etl" {
		t.Fatalf("path = %q", gotPath)
	}
	if len(gotBody["data_ids"]) != 2 || gotBody["data_ids"][0] != "a" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestMarkAsReadEmptyIsNoop(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	if err := c.MarkAsRead(context.Background(), "123", "etl", nil); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if called {
		t.Fatal("empty id set must not hit the API")
	}
}

func TestFetchNon2xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	resp, err := c.Fetch(context.Background(), http.MethodGet, "/forms/1/data/all", nil)
	if err == nil {
		t.Fatal("want error for http 403")
	}
	if resp == nil || resp.Code != http.StatusForbidden {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestListsAndDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lists":
			w.Write([]byte(`{"lists":[{"id":7,"name":"releve || 123"}]}`))
		case "/lists/7":
			w.Write([]byte(`{"list":{"id":7,"name":"releve || 123","items":["H|v:text","L|v:1"]}}`))
		default:
			http.NotFound(w, r)
		}
	})

	lists, err := c.Lists(context.Background())
	if err != nil {
		t.Fatalf("lists: %v", err)
	}
	if len(lists) != 1 || lists[0].ID.String() != "7" {
		t.Fatalf("lists = %+v", lists)
	}

	detail, err := c.ListDetail(context.Background(), "7")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Items) != 2 || detail.Items[0] != "H|v:text" {
		t.Fatalf("items = %v", detail.Items)
	}
}

func TestUpdateListBody(t *testing.T) {
	var gotItems map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&gotItems)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if err := c.UpdateList(context.Background(), "7", []string{"H|v:text", "L|v:2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(gotItems["items"]) != 2 || gotItems["items"][1] != "L|v:2" {
		t.Fatalf("items = %v", gotItems)
	}
}

func TestListNameMatchesForm(t *testing.T) {
	cases := []struct {
		name string
		form string
		want bool
	}{
		{"Suivi chantier || 123", "123", true},
		{"Suivi chantier || 123", "456", false},
		{"avec || double || 123", "123", true},
		{"sans convention", "123", false},
		{"Suivi||123", "123", true},
	}
	for _, tc := range cases {
		if got := ListNameMatchesForm(tc.name, tc.form); got != tc.want {
			t.Fatalf("ListNameMatchesForm(%q, %q) = %v", tc.name, tc.form, got)
		}
	}
}

func TestMediaPath(t *testing.T) {
	got := MediaPath("123", "record-001", "photo_1.jpg")
	if got != "/forms/123/data/record-001/medias/photo_1.jpg" {
		t.Fatalf("path = %q", got)
	}
}
