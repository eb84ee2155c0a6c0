package payload

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestHTTPLookupPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/payloads/TX-1":
			w.Write([]byte(`{"orderId":42}`))
		case "/api/v1/payloads/TX-2":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	res, err := c.LookupPayload(ctx, "TX-1")
	if err != nil || !res.Retrieved || string(res.Payload) != `{"orderId":42}` {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	res, err = c.LookupPayload(ctx, "TX-2")
	if err != nil || res.Retrieved || res.ErrorMessage == "" {
		t.Fatalf("expected unavailable result, got %+v err=%v", res, err)
	}
	if _, err := c.LookupPayload(ctx, "TX-3"); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestHTTPDispatchRetry(t *testing.T) {
	var got dispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/retries/TX-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"success":false,"message":"order already shipped"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL, time.Second).DispatchRetry(context.Background(), "TX-1", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Success || res.ResponseCode != http.StatusUnprocessableEntity || res.Message != "order already shipped" {
		t.Fatalf("unexpected dispatch result %+v", res)
	}
	if got.TransactionID != "TX-1" || string(got.Payload) != `{"a":1}` {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestHTTPDispatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewHTTPClient(url, time.Second).DispatchRetry(context.Background(), "TX-1", nil); err == nil {
		t.Fatalf("expected transport error")
	}
}

type fakeGetter struct {
	objects map[string]string
}

func (f fakeGetter) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3ArchiveLookup(t *testing.T) {
	archive := NewS3Archive(fakeGetter{objects: map[string]string{"payloads/TX-1.json": `{"sku":"A"}`}}, "bucket", "payloads/")

	res, err := archive.LookupPayload(context.Background(), "TX-1")
	if err != nil || !res.Retrieved || string(res.Payload) != `{"sku":"A"}` {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	res, err = archive.LookupPayload(context.Background(), "TX-9")
	if err != nil || res.Retrieved {
		t.Fatalf("expected unavailable, got %+v err=%v", res, err)
	}
}
